package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
)

// Journal layout:
// - Magic "BSJRNL01" (8 bytes)
// - PageCount (4 bytes), MetaLen (4 bytes)
// - Meta (MetaLen bytes)
// - PageCount x [PageID (8 bytes) + page image (disk page size)]
// - CRC32 of everything above (4 bytes)
// - Magic "BSJEND01" (8 bytes)
var (
	journalMagic    = []byte("BSJRNL01")
	journalEndMagic = []byte("BSJEND01")
)

// WriteJournal writes pages and the checkpoint metadata to a journal file and
// fsyncs it. Once it returns, the checkpoint can be completed by ApplyJournal
// even if the process dies while writing the data file.
func WriteJournal(path string, pager *Pager, pages []*Page, meta []byte) error {
	var buf bytes.Buffer
	buf.Write(journalMagic)

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(pages)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(meta)))
	buf.Write(hdr[:])
	buf.Write(meta)

	var idBuf [8]byte
	for _, page := range pages {
		data, err := pager.encode(page)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(idBuf[:], uint64(page.ID))
		buf.Write(idBuf[:])
		buf.Write(data)
	}

	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(crcBuf[:])
	buf.Write(journalEndMagic)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return f.Close()
}

// ReadJournal returns the pages and metadata of a complete journal. A missing
// journal returns (nil, nil, nil); a torn one returns ok=false so the caller
// discards it.
func ReadJournal(path string, pager *Pager) (pages []*Page, meta []byte, ok bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: %v", util.ErrDiskReadFailed, err)
	}

	minLen := len(journalMagic) + 8 + 4 + len(journalEndMagic)
	if len(data) < minLen || !bytes.Equal(data[:len(journalMagic)], journalMagic) {
		return nil, nil, false, nil
	}
	if !bytes.Equal(data[len(data)-len(journalEndMagic):], journalEndMagic) {
		return nil, nil, false, nil
	}
	body := data[:len(data)-len(journalEndMagic)-4]
	wantCRC := binary.LittleEndian.Uint32(data[len(body) : len(body)+4])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, nil, false, nil
	}

	off := len(journalMagic)
	count := int(binary.LittleEndian.Uint32(body[off : off+4]))
	metaLen := int(binary.LittleEndian.Uint32(body[off+4 : off+8]))
	off += 8
	if off+metaLen > len(body) {
		return nil, nil, false, nil
	}
	meta = append([]byte(nil), body[off:off+metaLen]...)
	off += metaLen

	stride := 8 + int(pager.diskPageSize)
	if len(body)-off != count*stride {
		return nil, nil, false, nil
	}
	pages = make([]*Page, 0, count)
	for i := 0; i < count; i++ {
		id := PageID(binary.LittleEndian.Uint64(body[off : off+8]))
		page, err := pager.decode(id, body[off+8:off+stride])
		if err != nil {
			return nil, nil, false, err
		}
		pages = append(pages, page)
		off += stride
	}
	return pages, meta, true, nil
}

// WritePages writes page images into the data file and fsyncs it.
func WritePages(pager *Pager, pages []*Page) error {
	for _, page := range pages {
		if err := pager.WritePage(page); err != nil {
			return err
		}
	}
	return pager.Sync()
}
