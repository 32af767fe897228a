package ui

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
)

//go:embed web/*
var content embed.FS

// Source reports where assets come from: "embedded" or the directory path.
func Source(dir string) string {
	if usableDir(dir) {
		return dir
	}
	return "embedded"
}

// Handler returns an http.Handler serving the web UI.
//
// When dir is non-empty and exists, assets are served from it; otherwise
// the embedded page is used. Panics if the embedded assets are missing,
// which is a build error.
func Handler(dir string) http.Handler {
	var fileSystem http.FileSystem
	if usableDir(dir) {
		fileSystem = http.Dir(dir)
	} else {
		webFS, err := fs.Sub(content, "web")
		if err != nil {
			panic(fmt.Sprintf("ui: failed to load embedded web assets: %v", err))
		}
		fileSystem = http.FS(webFS)
	}

	fileServer := http.FileServer(fileSystem)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// index.html changes with every UI build
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")

		upath := path.Clean("/" + r.URL.Path)
		if upath == "/" {
			fileServer.ServeHTTP(w, r)
			return
		}

		f, err := fileSystem.Open(upath)
		if err != nil {
			r.URL.Path = "/"
			fileServer.ServeHTTP(w, r)
			return
		}
		f.Close()

		fileServer.ServeHTTP(w, r)
	})
}

func usableDir(dir string) bool {
	if dir == "" {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
