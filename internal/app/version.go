package app

// version is stamped by the release build via
// -ldflags "-X github.com/leninalive/paratest/internal/app.version=v1.2.3".
var version = "dev"
