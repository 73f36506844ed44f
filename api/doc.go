// Package api holds the wire types shared by the HTTP handlers and their
// clients: request bodies that have no runtime counterpart and the response
// envelope constants.
package api
