//go:build embed

package web

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
)

//go:embed frontend/dist/*
var dashboardFiles embed.FS

// embeddedStaticFS serves the dashboard compiled into the binary
func embeddedStaticFS() (http.FileSystem, error) {
	dist, err := fs.Sub(dashboardFiles, "frontend/dist")
	if err != nil {
		return nil, err
	}
	if _, err := fs.Stat(dist, "index.html"); err != nil {
		return nil, fmt.Errorf("embedded dashboard has no index.html: %w", err)
	}
	return http.FS(dist), nil
}
