// Package ui serves the Air Vinyl web interface.
//
// A small control page is embedded in the binary so the server is usable
// without any extra files. When api.ui_path (or AIR_VINYL_UI) names a
// directory, that build is served instead, which lets a richer UI be
// deployed without recompiling.
//
// Both modes implement SPA fallback: a path that does not name a file is
// answered with index.html so client-side routing works.
package ui
