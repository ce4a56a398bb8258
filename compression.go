package eventsource

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"
)

// We use a pool of gzip.Writers to not stress the GC
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, err := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		if err != nil {
			panic("could not allocate writer in gzipWriterPool: " + err.Error())
		}
		return w
	},
}

// We use a pool of gzip.Readers to not stress the GC
var gzipReaderPool = sync.Pool{
	New: func() interface{} {
		return new(gzip.Reader)
	},
}

// CompressSnapshots wraps a serializer pair with gzip, trading save time
// for storage on aggregates with large state. Assign the returned pair
// to the repository's Serializer and Deserializer fields.
func CompressSnapshots(serialize SerializeFunc, deserialize DeserializeFunc) (SerializeFunc, DeserializeFunc) {
	s := func(v interface{}) ([]byte, error) {
		b, err := serialize(v)
		if err != nil {
			return nil, err
		}
		return compress(b)
	}
	d := func(data []byte, v interface{}) error {
		b, err := decompress(data)
		if err != nil {
			return err
		}
		return deserialize(b, v)
	}
	return s, d
}

func compress(b []byte) ([]byte, error) {
	buff := bytes.Buffer{}
	w := gzipWriterPool.Get().(*gzip.Writer)
	defer gzipWriterPool.Put(w)
	w.Reset(&buff)
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("compress snapshot state: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close compressed stream: %w", err)
	}
	return buff.Bytes(), nil
}

func decompress(b []byte) ([]byte, error) {
	r := gzipReaderPool.Get().(*gzip.Reader)
	defer gzipReaderPool.Put(r)
	if err := r.Reset(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("reset decompression stream: %w", err)
	}
	result, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot state: %w", err)
	}
	return result, nil
}
