// Command download fetches a codec module and prints its BLAKE3 digest in
// the form expected by module.digest.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/caffeineduck/webpbox/sandbox"
)

func main() {
	if len(os.Args) < 3 || len(os.Args) > 4 {
		fmt.Fprintln(os.Stderr, "usage: download <url> <output> [digest]")
		os.Exit(1)
	}

	url, output := os.Args[1], os.Args[2]
	var want string
	if len(os.Args) == 4 {
		want = os.Args[3]
	}

	if _, err := os.Stat(output); err != nil {
		if err := fetch(url, output); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	module, err := sandbox.LoadModule(output)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	got := sandbox.Digest(module)
	if want != "" && got != want {
		fmt.Fprintf(os.Stderr, "digest mismatch for %s: got %s, want %s\n", output, got, want)
		os.Exit(1)
	}
	fmt.Println(got)
}

func fetch(url, output string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(output)
		return err
	}
	return f.Close()
}
