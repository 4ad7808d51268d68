//go:build !linux

package indicator

import "fmt"

func openOutput(Config) (output, error) {
	return nil, fmt.Errorf("indicator: gpio unsupported on this platform")
}

var openOutputFn = openOutput
