package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/golang/glog"

	"blockci/internal/agent"
)

func main() {
	id := flag.String("id", hostname(), "agent id reported on /healthz")
	addr := flag.String("addr", ":9090", "listen address")
	baseDir := flag.String("basedir", "", "directory that confines job workdirs (default: a blockci-agent dir under the system temp dir)")
	flag.Parse()
	defer glog.Flush()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           agent.New(*id, *baseDir).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	glog.Infof("agent %s running on %s", *id, *addr)
	if err := srv.ListenAndServe(); err != nil {
		glog.Errorf("agent: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "agent"
	}
	return h
}
