// Command zstdstream compresses data into a seekable zstd stream and
// reads ranges back out of one.
//
// Compression splits input with content-defined chunking so that
// unchanged regions of a mutated input produce identical frames:
//
//	zstdstream -f input.bin -o output.bin.zst -t
//
// Decompression reads the whole stream or a range of it:
//
//	zstdstream -d -f output.bin.zst -o - -s 4096 -n 128
package main

import (
	"bytes"
	"crypto/sha512"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	fastcdc "github.com/SaveTheRbtz/fastcdc-go"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/zstd-contrib/zstd-streams-go/pkg/engine"
	"github.com/zstd-contrib/zstd-streams-go/pkg/stream"
)

func main() {
	var (
		inputFlag, chunkingFlag, outputFlag string
		qualityFlag                         int
		offsetFlag, lengthFlag              int64
		decompressFlag                      bool
		verifyFlag, verboseFlag, quietFlag  bool
	)

	flag.StringVar(&inputFlag, "f", "", "input filename ('-' for stdin)")
	flag.StringVar(&outputFlag, "o", "", "output filename ('-' for stdout)")
	flag.StringVar(&chunkingFlag, "c", "16:64:1024", "min:avg:max chunking block size (in kb)")
	flag.BoolVar(&decompressFlag, "d", false, "decompress instead of compress")
	flag.Int64Var(&offsetFlag, "s", 0, "decompressed offset to start reading from (with -d)")
	flag.Int64Var(&lengthFlag, "n", -1, "number of bytes to read, -1 for all (with -d)")
	flag.BoolVar(&verifyFlag, "t", false, "test reading after the write")
	flag.IntVar(&qualityFlag, "q", 1, "compression quality (lower == faster)")
	flag.BoolVar(&verboseFlag, "v", false, "be verbose")
	flag.BoolVar(&quietFlag, "quiet", false, "disable the progress bar")

	flag.Parse()

	var err error
	var logger *zap.Logger
	if verboseFlag {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal("failed to initialize logger", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if inputFlag == "" || outputFlag == "" {
		logger.Fatal("both input and output files need to be defined")
	}

	if decompressFlag {
		decompress(logger, inputFlag, outputFlag, offsetFlag, lengthFlag)
		return
	}
	compress(logger, inputFlag, outputFlag, chunkingFlag, qualityFlag, verifyFlag, quietFlag)
}

func compress(logger *zap.Logger, inputFlag, outputFlag, chunkingFlag string, quality int, verify, quiet bool) {
	if verify && outputFlag == "-" {
		logger.Fatal("verify can't be used with stdout output")
	}

	var err error
	var input *os.File
	inputSize := int64(-1)
	if inputFlag == "-" {
		input = os.Stdin
	} else {
		if input, err = os.Open(inputFlag); err != nil {
			logger.Fatal("failed to open input", zap.Error(err))
		}
		defer input.Close()
		if st, err := input.Stat(); err == nil {
			inputSize = st.Size()
		}
	}

	var output *os.File
	if outputFlag == "-" {
		output = os.Stdout
	} else {
		output, err = os.OpenFile(outputFlag, os.O_TRUNC|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			logger.Fatal("failed to open output", zap.Error(err))
		}
		defer output.Close()
	}

	w, err := stream.NewWriter(output,
		stream.WithWLogger(logger),
		stream.WithWCompressOptions(engine.WithCLevel(quality)))
	if err != nil {
		logger.Fatal("failed to create compressed writer", zap.Error(err))
	}
	defer w.Close()

	opts, err := parseChunkerOptions(chunkingFlag)
	if err != nil {
		logger.Fatal("failed to parse chunker params", zap.Error(err))
	}
	logger.Info("setting chunker params",
		zap.Int("min", opts.MinSize), zap.Int("avg", opts.AverageSize), zap.Int("max", opts.MaxSize))

	chunker, err := fastcdc.NewChunker(input, opts)
	if err != nil {
		logger.Fatal("failed to create chunker", zap.Error(err))
	}

	var bar *progressbar.ProgressBar
	if !quiet && outputFlag != "-" {
		bar = progressbar.DefaultBytes(inputSize, "compressing")
	}

	expected := sha512.New512_256()
	for {
		chunk, err := chunker.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			logger.Fatal("failed to read", zap.Error(err))
		}

		if verify {
			_, _ = expected.Write(chunk.Data)
		}
		m, err := w.Write(chunk.Data)
		if err != nil || m != chunk.Length {
			logger.Fatal("failed to write data", zap.Error(err))
		}
		// frame per chunk: identical chunks compress to identical frames
		if err := w.Flush(); err != nil {
			logger.Fatal("failed to flush frame", zap.Error(err))
		}
		if bar != nil {
			_ = bar.Add(chunk.Length)
		}
	}
	if err := w.Close(); err != nil {
		logger.Fatal("failed to finalize stream", zap.Error(err))
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if !verify {
		return
	}

	vf, err := os.Open(outputFlag)
	if err != nil {
		logger.Fatal("failed to open file for verification", zap.Error(err))
	}
	defer vf.Close()

	reader, err := stream.NewReader(vf, stream.WithRLogger(logger))
	if err != nil {
		logger.Fatal("failed to create new seekable reader", zap.Error(err))
	}
	defer reader.Close()

	actual := sha512.New512_256()
	m, err := io.CopyBuffer(actual, reader, make([]byte, 128<<10))
	if err != nil {
		logger.Fatal("failed to compute actual csum", zap.Int64("processed", m), zap.Error(err))
	}

	if !bytes.Equal(actual.Sum(nil), expected.Sum(nil)) {
		logger.Fatal("checksum verification failed",
			zap.Binary("actual", actual.Sum(nil)), zap.Binary("expected", expected.Sum(nil)))
	}
	logger.Info("checksum verification succeeded", zap.Binary("actual", actual.Sum(nil)))
}

func decompress(logger *zap.Logger, inputFlag, outputFlag string, offset, length int64) {
	if inputFlag == "-" {
		logger.Fatal("decompression requires a seekable input, not stdin")
	}

	input, err := os.Open(inputFlag)
	if err != nil {
		logger.Fatal("failed to open input", zap.Error(err))
	}
	defer input.Close()

	var output *os.File
	if outputFlag == "-" {
		output = os.Stdout
	} else {
		output, err = os.OpenFile(outputFlag, os.O_TRUNC|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			logger.Fatal("failed to open output", zap.Error(err))
		}
		defer output.Close()
	}

	reader, err := stream.NewReader(input, stream.WithRLogger(logger))
	if err != nil {
		logger.Fatal("failed to open seekable stream", zap.Error(err))
	}
	defer reader.Close()

	if _, err := reader.Seek(offset, io.SeekStart); err != nil {
		logger.Fatal("failed to seek", zap.Int64("offset", offset), zap.Error(err))
	}

	var src io.Reader = reader
	if length >= 0 {
		src = io.LimitReader(reader, length)
	}

	m, err := io.CopyBuffer(output, src, make([]byte, 128<<10))
	if err != nil {
		logger.Fatal("failed to decompress", zap.Int64("processed", m), zap.Error(err))
	}
	logger.Info("done", zap.Int64("bytes", m))
}

func parseChunkerOptions(chunkingFlag string) (fastcdc.Options, error) {
	chunkParams := strings.SplitN(chunkingFlag, ":", 3)
	if len(chunkParams) != 3 {
		return fastcdc.Options{}, errors.New("chunking params must be min:avg:max")
	}
	sizes := make([]int, 3)
	for i, s := range chunkParams {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fastcdc.Options{}, err
		}
		sizes[i] = n * 1024
	}
	return fastcdc.Options{
		MinSize:     sizes[0],
		AverageSize: sizes[1],
		MaxSize:     sizes[2],
	}, nil
}
