package core

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const streamingPayloadPrefix = "STREAMING-"

var (
	errMissingDecodedLength = errors.New("missing X-Amz-Decoded-Content-Length for streaming payload")
	errMalformedChunk       = errors.New("malformed aws-chunked payload")

	errContentSHA256Mismatch = errors.New("payload does not match x-amz-content-sha256")
)

// isStreamingPayload reports whether the body uses the aws-chunked framing
// produced by SigV4 streaming uploads.
func isStreamingPayload(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), streamingPayloadPrefix)
}

// signedPayloadHash returns the hex SHA-256 the client declared for the
// body, or "" for unsigned and streaming payloads.
func signedPayloadHash(r *http.Request) string {
	v := strings.ToLower(r.Header.Get("X-Amz-Content-Sha256"))
	if len(v) != sha256.Size*2 {
		return ""
	}
	if _, err := hex.DecodeString(v); err != nil {
		return ""
	}
	return v
}

// requestBody returns the decoded request payload and its declared length,
// or -1 when the client did not declare one.
func requestBody(r *http.Request) (io.Reader, int64, error) {
	if !isStreamingPayload(r) {
		if want := signedPayloadHash(r); want != "" {
			return newSHA256Reader(r.Body, want), r.ContentLength, nil
		}
		return r.Body, r.ContentLength, nil
	}

	raw := r.Header.Get("X-Amz-Decoded-Content-Length")
	if raw == "" {
		return nil, 0, errMissingDecodedLength
	}
	decodedLen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || decodedLen < 0 {
		return nil, 0, fmt.Errorf("invalid X-Amz-Decoded-Content-Length %q", raw)
	}

	return newChunkedReader(r.Body), decodedLen, nil
}

// sha256Reader hashes everything read through it and fails at EOF when the
// digest differs from want.
type sha256Reader struct {
	r    io.Reader
	h    hash.Hash
	want string
}

func newSHA256Reader(r io.Reader, want string) *sha256Reader {
	return &sha256Reader{r: r, h: sha256.New(), want: want}
}

func (s *sha256Reader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.h.Write(p[:n])
	if err == io.EOF && hex.EncodeToString(s.h.Sum(nil)) != s.want {
		return n, errContentSHA256Mismatch
	}
	return n, err
}

// chunkedReader decodes an aws-chunked body:
//
//	<size-hex>[;chunk-signature=...]\r\n<data>\r\n ... 0[;...]\r\n[trailers]\r\n
//
// Chunk signatures and trailing checksums are not verified.
type chunkedReader struct {
	br        *bufio.Reader
	remaining int64
	done      bool
	err       error
}

func newChunkedReader(r io.Reader) *chunkedReader {
	return &chunkedReader{br: bufio.NewReader(r)}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}

	for c.remaining == 0 {
		if c.done {
			c.err = io.EOF
			return 0, io.EOF
		}
		if err := c.nextChunk(); err != nil {
			c.err = err
			return 0, err
		}
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}

	n, err := c.br.Read(p)
	c.remaining -= int64(n)

	if c.remaining == 0 && err == nil {
		err = c.expectCRLF()
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		c.err = err
	}
	return n, err
}

func (c *chunkedReader) nextChunk() error {
	line, err := c.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read chunk header: %w", err)
	}

	// Strip any chunk extensions (e.g. ";chunk-signature=...").
	if idx := strings.IndexByte(line, ';'); idx != -1 {
		line = line[:idx]
	}

	sizeHex := strings.TrimSpace(line)
	if sizeHex == "" {
		return nil
	}

	size, err := strconv.ParseInt(sizeHex, 16, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("%w: chunk size %q", errMalformedChunk, sizeHex)
	}

	if size == 0 {
		c.done = true
		return c.skipTrailers()
	}

	c.remaining = size
	return nil
}

// skipTrailers consumes trailing headers up to the terminating blank line.
func (c *chunkedReader) skipTrailers() error {
	for {
		line, err := c.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func (c *chunkedReader) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *chunkedReader) expectCRLF() error {
	for _, want := range []byte{'\r', '\n'} {
		b, err := c.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read chunk terminator: %w", err)
		}
		if b != want {
			return fmt.Errorf("%w: expected %q after chunk, got %q", errMalformedChunk, want, b)
		}
	}
	return nil
}
