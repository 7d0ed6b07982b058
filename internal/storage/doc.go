// Package storage persists reassembled files to any gocloud.dev/blob bucket.
//
// Files are written under their announced names, optionally below a key
// prefix, with the content SHA-256 in the object metadata. Once a session
// has stored every file, a JSON manifest is written next to them:
//
//	{
//	  "session_id": "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
//	  "server": "localhost:6014",
//	  "files": [
//	    {"file_id": 1, "name": "small.txt", "size": 43, "checksum": "..."}
//	  ],
//	  "completed_at": "2024-01-01T00:00:00Z"
//	}
//
// Verify reads the manifest back and checks every file against it.
//
// The file:// and mem:// drivers are registered here. Importers that need
// cloud buckets register s3blob or gcsblob themselves.
package storage
