package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAudioKey(t *testing.T) {
	assert.Equal(t, "audio/book-1/obj-1.mp3", AudioKey("book-1", "obj-1", "mp3"))
	assert.Equal(t, "audio/book-1/obj-2.m4b", AudioKey("book-1", "obj-2", "m4b"))
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"mp3":  "audio/mpeg",
		"m4a":  "audio/mp4",
		"m4b":  "audio/mp4",
		"flac": "audio/flac",
		"ogg":  "audio/ogg",
		"wav":  "audio/wav",
		"aac":  "audio/aac",
		"xyz":  "application/octet-stream",
	}
	for format, want := range cases {
		assert.Equal(t, want, ContentTypeFor(format), format)
	}
}

func TestProgressReaderReportsCumulativeBytes(t *testing.T) {
	var reports []int64
	r := &progressReader{
		r:        strings.NewReader("0123456789"),
		progress: func(read int64) { reports = append(reports, read) },
	}

	buf := make([]byte, 4)
	for {
		if _, err := r.Read(buf); err != nil {
			break
		}
	}

	assert.Equal(t, []int64{4, 8, 10}, reports)
	assert.Equal(t, int64(10), r.read)
}
