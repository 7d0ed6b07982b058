// Package retriever runs a download session against a file server.
//
// A session sends one request, then reads packets one at a time and routes
// each to the partial file for its id. It finishes when at least
// ExpectedFiles distinct ids have been seen and every tracked file is
// complete. Only then is each file handed to Storage, exactly once.
//
// # Usage
//
//	conn, err := transport.Dial(ctx, "localhost:6014", transport.DefaultOptions())
//	bucket, err := storage.Open(ctx, "file:///tmp/out", storage.Options{})
//
//	result, err := retriever.Retrieve(ctx, conn, bucket, retriever.Options{
//	    SkipMalformed: true,
//	    Progress:      progressReporter,
//	})
//
// # Failure
//
// There is no loss recovery. A file whose chunks never all arrive keeps the
// session waiting until the transport gives up or ctx is cancelled. Either
// surfaces as a *TransportError, and nothing is stored.
package retriever
