package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ligustah/segfs/pkg/segfs"
)

// DefaultChunkSize is the payload size used when Server.ChunkSize is unset.
const DefaultChunkSize = 512

// ServedFile is a file offered by a Server.
type ServedFile struct {
	ID   uint8
	Name string
	Data []byte
}

// Server answers every request datagram by sending all of its files to the
// requester as shuffled Header and Data packets.
type Server struct {
	// Addr is the UDP address to listen on for ListenAndServe.
	Addr string

	// Files is the set of files to send.
	Files []ServedFile

	// ChunkSize is the payload size of Data packets, at most
	// segfs.MaxPayloadSize.
	// Default: DefaultChunkSize
	ChunkSize int

	// Duplicates is the fraction of packets sent a second time, in [0, 1].
	Duplicates float64

	// Pace is an optional pause between datagrams.
	Pace time.Duration

	// Seed fixes the shuffle order. Zero picks a random seed per request.
	Seed uint64

	// Logf receives diagnostic messages. Nil discards them.
	Logf func(format string, args ...any)
}

// LoadDir reads the regular files in dir. Ids are assigned in name order
// starting at 0.
func LoadDir(dir string) ([]ServedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > 256 {
		return nil, fmt.Errorf("%s holds %d files, at most 256 can be served", dir, len(names))
	}

	files := make([]ServedFile, 0, len(names))
	for i, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		files = append(files, ServedFile{ID: uint8(i), Name: name, Data: data})
	}
	return files, nil
}

// Packets returns the packets for one response, shuffled with rng.
func (s *Server) Packets(rng *rand.Rand) ([]segfs.Packet, error) {
	size := s.ChunkSize
	if size == 0 {
		size = DefaultChunkSize
	}
	if size < 0 || size > segfs.MaxPayloadSize {
		return nil, fmt.Errorf("chunk size %d out of range (1..%d)", size, segfs.MaxPayloadSize)
	}
	if s.Duplicates < 0 || s.Duplicates > 1 {
		return nil, fmt.Errorf("duplicates fraction %v out of range [0, 1]", s.Duplicates)
	}

	var packets []segfs.Packet
	for _, f := range s.Files {
		packets = append(packets, segfs.HeaderPacket(f.ID, f.Name))

		chunks := (len(f.Data) + size - 1) / size
		if chunks > 1<<16 {
			return nil, fmt.Errorf("file %s needs %d chunks, more than a sequence number can address", f.Name, chunks)
		}
		if chunks == 0 {
			packets = append(packets, segfs.DataPacket(f.ID, 0, nil, true))
			continue
		}
		for i := 0; i < chunks; i++ {
			end := min((i+1)*size, len(f.Data))
			packets = append(packets, segfs.DataPacket(f.ID, uint16(i), f.Data[i*size:end], i == chunks-1))
		}
	}

	n := len(packets)
	for i := 0; i < n; i++ {
		if rng.Float64() < s.Duplicates {
			packets = append(packets, packets[i])
		}
	}
	rng.Shuffle(len(packets), func(i, j int) { packets[i], packets[j] = packets[j], packets[i] })
	return packets, nil
}

// ListenAndServe listens on s.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", s.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.Addr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	defer conn.Close()

	s.logf("Serving %d files on %s", len(s.Files), conn.LocalAddr())
	return s.Serve(ctx, conn)
}

// Serve reads requests from conn and answers each one in turn. It returns
// nil once ctx is cancelled.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	if _, err := s.Packets(rand.New(rand.NewPCG(0, 0))); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, segfs.MaxPacketSize)
	for {
		_, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		if err := s.respond(ctx, conn, from); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logf("Failed to answer %s: %v", from, err)
		}
	}
}

func (s *Server) respond(ctx context.Context, conn net.PacketConn, to net.Addr) error {
	seed := s.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	packets, err := s.Packets(rand.New(rand.NewPCG(seed, seed>>1)))
	if err != nil {
		return err
	}

	s.logf("Sending %d packets to %s", len(packets), to)
	buf := make([]byte, 0, segfs.MaxPacketSize)
	for _, p := range packets {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf = segfs.AppendPacket(buf[:0], p)
		if _, err := conn.WriteTo(buf, to); err != nil {
			return fmt.Errorf("send packet: %w", err)
		}
		if s.Pace > 0 {
			time.Sleep(s.Pace)
		}
	}
	return nil
}

func (s *Server) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
	}
}
