//go:build !embed
// +build !embed

package web

import (
	"net/http"
)

// Without -tags=embed the dashboard is served from frontend/dist on disk,
// if present.
func embeddedStaticFS() (http.FileSystem, error) {
	return nil, nil
}
