// Package transport moves segment packets over UDP.
//
// Client is the receiving side used by the retriever: it sends the request
// datagram, then decodes one datagram per FetchPacket call. Reads can be
// batched through golang.org/x/net/ipv4 to cut system calls on busy links.
//
// Server is the sending side. It answers every request with the Header and
// Data packets of all its files, shuffled, optionally with duplicates. It
// exists for local testing and the serve command.
//
// # Usage
//
//	client, err := transport.Dial(ctx, "localhost:6014", transport.Options{
//	    Timeout:       2 * time.Second,
//	    RetryAttempts: 5,
//	    RetryBackoff:  time.Second,
//	    BatchSize:     32,
//	})
//	defer client.Close()
//
//	if err := client.SendRequest(ctx); err != nil { ... }
//	pkt, err := client.FetchPacket(ctx)
package transport
