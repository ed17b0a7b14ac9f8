// Package proto holds the .proto source for dyntrace's snapshot-shipping
// gRPC service. The generated Go bindings are not checked in; run the
// generator before building internal/export or internal/server/grpc.
//
// To regenerate the Go source files from dyntrace.proto, run go generate
// from the repository root:
//
//	go generate ./proto/...
//
// Requires protoc, protoc-gen-go, and protoc-gen-go-grpc on PATH:
//
//	go install google.golang.org/protobuf/cmd/protoc-gen-go@latest
//	go install google.golang.org/grpc/cmd/protoc-gen-go-grpc@latest
//
//go:generate protoc --go_out=. --go_opt=module=github.com/dyntrace/dyntrace/proto --go-grpc_out=. --go-grpc_opt=module=github.com/dyntrace/dyntrace/proto dyntrace.proto
package proto
