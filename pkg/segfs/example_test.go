package segfs_test

import (
	"fmt"

	"github.com/ligustah/segfs/pkg/segfs"
)

func ExampleDecode() {
	p, err := segfs.Decode([]byte{0x03, 77, 0x03, 0xff, 'a'})
	if err != nil {
		panic(err)
	}
	fmt.Println(p.Kind, p.FileID, p.Seq, p.Final, string(p.Payload))
	// Output: data 77 1023 true a
}

func ExamplePartialFile() {
	datagrams := [][]byte{
		{0x01, 2, 0, 1, 'l', 'o'},
		{0x03, 2, 0, 2, '!'},
		{0x00, 2, 'h', 'i', '.', 't', 'x', 't'},
		{0x01, 2, 0, 0, 'h', 'e', 'l'},
	}

	pf := segfs.NewPartialFile()
	for _, d := range datagrams {
		p, err := segfs.Decode(d)
		if err != nil {
			panic(err)
		}
		pf.Apply(p)
		fmt.Println(pf.IsComplete())
	}

	f, _ := pf.ToFile()
	fmt.Printf("%s: %s\n", f.Name, f.Data)
	// Output:
	// false
	// false
	// false
	// true
	// hi.txt: hello!
}
