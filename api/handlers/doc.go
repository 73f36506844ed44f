// Package handlers implements the HTTP surface: job submission and
// inspection, the worker dispatch protocol, and the interrupt queue.
//
// Every response uses the same envelope. Success:
//
//	{"request_id": "...", "data": {...}, "meta": {"status": 200, "api_version": "v1"}}
//
// Error:
//
//	{"request_id": "...", "error": {"code": "conflict", "message": "...", "details": "..."}}
package handlers
