package output

import (
	"encoding/json"
	"io"
	"os"
)

// JSONToStdout writes data as indented JSON to stdout, for commands run with
// a --json flag.
func JSONToStdout(data any) error {
	return JSONTo(os.Stdout, data)
}

// JSONTo writes data as indented JSON to w.
func JSONTo(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
