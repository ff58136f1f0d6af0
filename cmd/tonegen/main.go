package main

import (
	"fmt"
	"os"
	"path/filepath"

	"shutterline/internal/tone"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: tonegen <output dir>")
		os.Exit(1)
	}

	dir := os.Args[1]
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Printf("Error creating %s: %v\n", dir, err)
		os.Exit(1)
	}

	for _, p := range tone.Patterns() {
		path := filepath.Join(dir, p.Name+".wav")
		if err := writePattern(path, p); err != nil {
			fmt.Printf("Error writing %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("%s (%s)\n", path, p.Period())
	}
}

func writePattern(path string, p tone.Pattern) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	samples := tone.Synthesize(p, tone.DefaultSampleRate)
	if err := tone.WriteWAV(f, samples, tone.DefaultSampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
