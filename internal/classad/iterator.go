package classad

import (
	"io"

	"github.com/ternarybob/adstash/internal/models"
)

// Resolve returns the parsed ad of raw, parsing its text on first use and
// caching the result (or the error) on raw.
func Resolve(raw *models.RawAd) (models.Ad, error) {
	if raw.Ad != nil {
		return *raw.Ad, nil
	}
	if raw.Err != nil {
		return models.Ad{}, raw.Err
	}
	ad, err := Parse(raw.Text)
	if err != nil {
		raw.Err = err
		return models.Ad{}, err
	}
	raw.Ad = &ad
	return ad, nil
}

// SliceIterator yields a fixed list of raw ads
type SliceIterator struct {
	ads []*models.RawAd
	pos int
	cur *models.RawAd
}

// NewSliceIterator returns an iterator over ads
func NewSliceIterator(ads []*models.RawAd) *SliceIterator {
	return &SliceIterator{ads: ads}
}

func (it *SliceIterator) Next() bool {
	if it.pos >= len(it.ads) {
		it.cur = nil
		return false
	}
	it.cur = it.ads[it.pos]
	it.pos++
	return true
}

func (it *SliceIterator) Value() *models.RawAd { return it.cur }

func (it *SliceIterator) Err() error { return nil }

func (it *SliceIterator) Close() error { return nil }

// RecordIterator lazily yields the records of a long-format stream as
// unparsed raw ads
type RecordIterator struct {
	origin  string
	rc      io.ReadCloser
	scanner *Scanner
	cur     *models.RawAd
}

// NewRecordIterator reads records from rc, closing it on Close
func NewRecordIterator(origin string, rc io.ReadCloser) *RecordIterator {
	return &RecordIterator{origin: origin, rc: rc, scanner: NewScanner(rc)}
}

func (it *RecordIterator) Next() bool {
	if !it.scanner.Scan() {
		it.cur = nil
		return false
	}
	it.cur = &models.RawAd{Origin: it.origin, Text: it.scanner.Text()}
	return true
}

func (it *RecordIterator) Value() *models.RawAd { return it.cur }

func (it *RecordIterator) Err() error { return it.scanner.Err() }

func (it *RecordIterator) Close() error {
	if it.rc == nil {
		return nil
	}
	err := it.rc.Close()
	it.rc = nil
	return err
}
