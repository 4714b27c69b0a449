package server

import "encoding/base64"

// BasicAuthHeader builds an Authorization header value for testing
// This is a test helper shared across multiple test files
func BasicAuthHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
