// Command modpack builds a module artifact from a YAML descriptor.
//
//	modpack -f counter-wasm.yaml -o modules/
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wippyai/module-runtime/artifact"
)

func main() {
	var (
		file = flag.String("f", "module.yaml", "Module descriptor")
		out  = flag.String("o", ".", "Output file or directory")
		show = flag.Bool("print", false, "Print the resolved descriptor and exit")
	)
	flag.Parse()

	if err := run(*file, *out, *show); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(file, out string, printOnly bool) error {
	spec, err := readSource(file)
	if err != nil {
		return err
	}

	d := spec.Descriptor()
	if printOnly {
		fmt.Printf("%s %s@%s view=%s\n", d.Role, d.Name, d.Version, d.View)
		fmt.Printf("  view id  %s\n", d.ViewIDValue())
		fmt.Printf("  api      %s\n", d.APITag())
		fmt.Printf("  data     %s\n", d.DataTag())
		for _, m := range d.Methods {
			fmt.Printf("  method   %s(%d) -> %d [%s]\n", m.Name, m.Params, m.Results, m.Fragment)
		}
		return nil
	}

	bin, err := artifact.Build(spec)
	if err != nil {
		return err
	}
	path := outputPath(out, spec.Name)
	if err := os.WriteFile(path, bin, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	fmt.Printf("wrote %s (%d bytes, api %s, data %s)\n", path, len(bin), d.APITag(), d.DataTag())
	return nil
}

func outputPath(out, name string) string {
	if info, err := os.Stat(out); err == nil && info.IsDir() {
		return filepath.Join(out, name+".wasm")
	}
	return out
}
