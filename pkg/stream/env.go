package stream

import "io"

// WEnvironment injects a custom byte sink that is different from a
// plain io.Writer.  Useful when there is custom chunking or placement
// code between the stream layer and storage.
type WEnvironment interface {
	// WriteFrame is called each time a frame is finished and needs to
	// be written upstream.
	WriteFrame(p []byte) (n int, err error)
	// WriteSeekTable is called on Close to flush the seek table frame.
	WriteSeekTable(p []byte) (n int, err error)
}

// REnvironment injects a custom seek table source that is different
// from a plain io.ReadSeeker.
type REnvironment interface {
	// ReadFooter returns the last bytes of the stream.  At least 9
	// bytes must be returned; only the trailing 9 are used.
	ReadFooter() ([]byte, error)
	// ReadSeekTable returns the last frameSize bytes of the stream,
	// the complete seek table skippable frame including the
	// Skippable_Magic_Number and Frame_Size fields.
	ReadSeekTable(frameSize int64) ([]byte, error)
}

type writerEnvImpl struct {
	w io.Writer
}

func (w *writerEnvImpl) WriteFrame(p []byte) (int, error) {
	return w.w.Write(p)
}

func (w *writerEnvImpl) WriteSeekTable(p []byte) (int, error) {
	return w.w.Write(p)
}
