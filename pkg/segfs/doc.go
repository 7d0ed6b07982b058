// Package segfs implements the wire format and reassembly state of the
// segmented file protocol.
//
// A server delivers a fixed set of files as a stream of datagrams. Each file
// is identified by a one-byte file id and announced by a single Header
// packet carrying its name. Its content arrives as Data packets, one chunk
// each, in any order and possibly more than once. The last chunk is flagged
// as final, which is the only way a client learns how many chunks a file has.
//
// # Wire Format
//
//	offset  header packet          data packet
//	0       status (bit0 = 0)      status (bit0 = 1, bit1 = final)
//	1       file id                file id
//	2..3    filename (UTF-8) ...   sequence number (big-endian uint16)
//	4..     ...                    chunk payload (may be empty)
//
// Use [Decode] to turn a datagram into a [Packet] and [Encode] for the
// reverse direction.
//
// # Reassembly
//
// A [PartialFile] accumulates the packets for one file id. Feed it packets
// with [PartialFile.Apply]; once [PartialFile.IsComplete] reports true,
// [PartialFile.ToFile] returns the finished [File] with its chunks
// concatenated in sequence-number order.
//
//	pf := segfs.NewPartialFile()
//	for _, p := range packets {
//	    pf.Apply(p)
//	}
//	if pf.IsComplete() {
//	    f, _ := pf.ToFile()
//	    // f.Name, f.Data
//	}
//
// See example_test.go for usage examples.
package segfs
