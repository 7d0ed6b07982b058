// Package config defines configuration structures for the segfs CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (SEGFS_ prefix)
//   - YAML configuration file
//
// Flags override the environment, which overrides the file.
//
// # Example
//
//	server: files.example.com
//	port: 6014
//	output: s3://my-bucket?region=us-east-1
//	prefix: sessions/today/
//	expected_files: 3
//	timeout: 2s
//	batch_size: 16
//	read_buffer: 4MB
//	retry:
//	  attempts: 5
//	  backoff: 1s
//	  max_backoff: 30s
package config
