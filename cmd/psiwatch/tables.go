package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zsiec/psiwatch/internal/mpegts"
)

// writeTables replaces path with the PAT and PMT packetized as
// transport packets. The file is written beside path and renamed so
// readers never see a partial table set.
func writeTables(path string, pmtPID uint16, pat, pmt []byte) error {
	patPkts, _ := mpegts.Packetize(mpegts.PIDPAT, pat, 0)
	pmtPkts, _ := mpegts.Packetize(pmtPID, pmt, 0)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tables-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(patPkts, pmtPkts...)); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
