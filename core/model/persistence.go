package model

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// SaveGob はvalueをgobでファイルに保存する。
// 探索ワーカーへのジョブ受け渡し（分割データ・探索空間・台帳パス）に使う。
//
// 使用例:
//
//	err := model.SaveGob(path, &job)
func SaveGob(filename string, value any) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "failed to close file")
		}
	}()
	return SaveGobToWriter(file, value)
}

// LoadGob はファイルからgobでvalueを読み込む。valueはポインタであること。
func LoadGob(filename string, value any) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "failed to open file")
	}
	defer file.Close()
	return LoadGobFromReader(file, value)
}

// SaveGobToWriter はvalueをio.Writerに保存する
func SaveGobToWriter(w io.Writer, value any) error {
	if err := gob.NewEncoder(w).Encode(value); err != nil {
		return errors.Wrap(err, "failed to encode value")
	}
	return nil
}

// LoadGobFromReader はio.Readerからvalueを読み込む
func LoadGobFromReader(r io.Reader, value any) error {
	if err := gob.NewDecoder(r).Decode(value); err != nil {
		return errors.Wrap(err, "failed to decode value")
	}
	return nil
}
