package app

// Set at build time, e.g.
//
//	go build -ldflags "-X github.com/large-farva/voxdrop/internal/app.Version=v0.3.0" ./cmd/voxdropd
var (
	Version   = "dev"
	GoVersion = "unknown"
	BuiltAt   = "unknown"
)
