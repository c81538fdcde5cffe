package provider

import (
	"bufio"
	"bytes"
	"io"
)

// SSEDecoder reads server-sent events from a streaming response body and
// returns each event's concatenated data payload. Both HTTP adapter families
// speak SSE on their streaming endpoints.
type SSEDecoder struct {
	r *bufio.Reader
}

func NewSSEDecoder(r io.Reader) *SSEDecoder {
	return &SSEDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event's data payload. Multiple data: lines are
// joined with newlines per the SSE spec; comment lines and other fields are
// skipped. Returns io.EOF when the body ends.
func (d *SSEDecoder) Next() ([]byte, error) {
	var dataLines [][]byte
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			if len(line) > 0 {
				line = bytes.TrimRight(line, "\r\n")
				dataLines = appendDataLine(dataLines, line)
			}
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(dataLines) == 0 {
				continue
			}
			return bytes.Join(dataLines, []byte("\n")), nil
		}

		if line[0] == ':' {
			continue
		}
		dataLines = appendDataLine(dataLines, line)
	}
}

func appendDataLine(dst [][]byte, line []byte) [][]byte {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return dst
	}
	val := line[len("data:"):]
	if len(val) > 0 && val[0] == ' ' {
		val = val[1:]
	}
	return append(dst, append([]byte(nil), val...))
}
