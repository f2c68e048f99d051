package wsrshare

// BuildVersion is the version reported by /version and --version. It is
// overridden at link time:
//
//	go build -ldflags "-X github.com/sammck-go/wsrelay/share.BuildVersion=1.2.3"
var BuildVersion = "0.0.0-src"
