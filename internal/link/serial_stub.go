//go:build !linux

package link

import (
	"fmt"
	"io"
)

func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("serial links are not supported on this platform")
}
