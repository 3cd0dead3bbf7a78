package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go2tv.app/castspeak/internal/buildinfo"
	"go2tv.app/castspeak/internal/lifecycle"
	"go2tv.app/castspeak/internal/release"
)

func main() {
	outDir := flag.String("out", "dist", "output directory for release artifacts")
	version := flag.String("version", buildinfo.Resolved(), "version embedded in archive names")
	flag.Parse()

	ctx, stop := lifecycle.WithTermination(context.Background())
	defer stop()

	artifacts, err := release.BuildArtifacts(ctx, release.Options{
		OutDir:   *outDir,
		RepoRoot: ".",
		Version:  *version,
		Targets:  release.DefaultTargets,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	for _, artifact := range artifacts {
		fmt.Println(artifact.SHA256[:12], artifact.ArchiveName)
	}
	fmt.Println("SHA256SUMS")
}
