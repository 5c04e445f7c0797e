package batch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-matcher/internal/progress"
	"github.com/zombor/receipt-matcher/internal/receipt"
	"github.com/zombor/receipt-matcher/internal/scanning"
)

type fakeOCR struct{}

func (f *fakeOCR) Recognize(ctx context.Context, img image.Image, languages []string) string {
	return "ACME AB total 100.00"
}

type fakeStructurer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeStructurer) Extract(ctx context.Context, id, filename, text string, sink progress.Sink) receipt.Receipt {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()

	if f.err != nil {
		return receipt.ErrorReceipt(id, filename, "SEK", fixedTime{}.Now(), f.err)
	}
	return receipt.Receipt{
		ID:              id,
		Filename:        filename,
		SupplierName:    "Acme AB",
		InvoiceNumber:   "INV-" + filename,
		Date:            "2024-01-15",
		TotalAmount:     decimal.NewFromInt(100),
		Currency:        "SEK",
		ConfidenceScore: 0.9,
		LineItems:       []receipt.LineItem{},
	}
}

func (f *fakeStructurer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]receipt.Receipt
	getErr  error
}

func (f *fakeCache) CachedExtraction(checksum string) (receipt.Receipt, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return receipt.Receipt{}, false, f.getErr
	}
	r, ok := f.entries[checksum]
	return r, ok, nil
}

func (f *fakeCache) CacheExtraction(checksum string, r receipt.Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[checksum] = r
	return nil
}

type fixedTime struct{}

func (fixedTime) Now() time.Time { return time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC) }

func pngBytes(size int) []byte {
	img := image.NewGray(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.SetGray(size/2, size/2, color.Gray{Y: 0})
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func writeFile(dir, name string, data []byte) {
	path := filepath.Join(dir, name)
	Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
	Expect(os.WriteFile(path, data, 0644)).To(Succeed())
}

var _ = Describe("Orchestrator", func() {
	var (
		dir          string
		structurer   *fakeStructurer
		cache        *fakeCache
		config       Config
		orchestrator *Orchestrator
		recorder     *progress.Recorder
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		structurer = &fakeStructurer{}
		cache = &fakeCache{entries: map[string]receipt.Receipt{}}
		config = Config{Workers: 1, Currency: "SEK"}
		recorder = &progress.Recorder{}

		writeFile(dir, "a.png", pngBytes(8))
		writeFile(dir, "b.png", []byte("this is not a png"))
		writeFile(dir, "c.png", pngBytes(12))
		writeFile(dir, "notes.txt", []byte("ignored"))
		writeFile(dir, filepath.Join("sub", "d.PNG"), pngBytes(16))
	})

	JustBeforeEach(func() {
		extractor := scanning.NewExtractor(nil, &scanning.RasterOCR{OCR: &fakeOCR{}})
		orchestrator = NewOrchestratorWithDeps(extractor, structurer, cache, config, nil, fixedTime{})
	})

	Describe("ProcessDirectory", func() {
		var (
			receipts []receipt.Receipt
			err      error
		)

		JustBeforeEach(func() {
			receipts, err = orchestrator.ProcessDirectory(context.Background(), dir, recorder)
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return one receipt per supported file in traversal order", func() {
			ids := make([]string, len(receipts))
			for i, r := range receipts {
				ids[i] = r.ID
			}
			Expect(ids).To(Equal([]string{"a.png", "b.png", "c.png", "sub/d.PNG"}))
		})

		It("should turn the corrupt file into an error receipt", func() {
			Expect(receipts[1].Failed()).To(BeTrue())
			Expect(receipts[1].Error).To(ContainSubstring(scanning.ErrDecode.Error()))
			Expect(receipts[1].SupplierName).To(Equal(receipt.ErrorValue))
			Expect(receipts[1].Date).To(Equal("2024-03-09"))
			Expect(receipts[1].Currency).To(Equal("SEK"))
		})

		It("should keep processing after the failure", func() {
			Expect(receipts[0].Failed()).To(BeFalse())
			Expect(receipts[2].Failed()).To(BeFalse())
			Expect(receipts[3].Failed()).To(BeFalse())
		})

		It("should report progress per file", func() {
			var processing []progress.Event
			for _, e := range recorder.Events() {
				if e.Stage == progress.StageProcessing {
					processing = append(processing, e)
				}
			}
			Expect(processing).To(HaveLen(4))
			Expect(processing[3].Progress).To(Equal(100.0))
		})

		It("should cache only successful extractions", func() {
			Expect(cache.entries).To(HaveLen(3))
		})

		When("run a second time", func() {
			JustBeforeEach(func() {
				receipts, err = orchestrator.ProcessDirectory(context.Background(), dir, recorder)
			})

			It("should reuse the cached extractions", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(structurer.Calls()).To(HaveLen(3))
				Expect(receipts).To(HaveLen(4))
				Expect(receipts[0].ID).To(Equal("a.png"))
			})
		})

		When("the cache cannot be read", func() {
			BeforeEach(func() {
				cache.getErr = errors.New("disk on fire")
			})

			It("should extract anyway", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(structurer.Calls()).To(HaveLen(3))
			})
		})

		When("several workers run", func() {
			BeforeEach(func() {
				config.Workers = 3
			})

			It("should keep the traversal order", func() {
				Expect(receipts).To(HaveLen(4))
				Expect(receipts[0].ID).To(Equal("a.png"))
				Expect(receipts[1].ID).To(Equal("b.png"))
				Expect(receipts[2].ID).To(Equal("c.png"))
				Expect(receipts[3].ID).To(Equal("sub/d.PNG"))
			})
		})

		When("the directory does not exist", func() {
			BeforeEach(func() {
				dir = filepath.Join(dir, "missing")
			})

			It("should return an error", func() {
				Expect(err).To(HaveOccurred())
				Expect(receipts).To(BeNil())
			})
		})
	})

	Describe("ProcessFile", func() {
		var result receipt.Receipt

		When("the file exists", func() {
			JustBeforeEach(func() {
				result = orchestrator.ProcessFile(context.Background(), dir, filepath.Join(dir, "a.png"), recorder)
			})

			It("should extract the receipt", func() {
				Expect(result.Failed()).To(BeFalse())
				Expect(result.ID).To(Equal("a.png"))
				Expect(result.InvoiceNumber).To(Equal("INV-a.png"))
			})

			It("should report text extraction", func() {
				Expect(recorder.Stages()).To(ContainElement(progress.StageTextExtraction))
			})
		})

		When("the file cannot be read", func() {
			JustBeforeEach(func() {
				result = orchestrator.ProcessFile(context.Background(), dir, filepath.Join(dir, "gone.png"), recorder)
			})

			It("should return an error receipt", func() {
				Expect(result.Failed()).To(BeTrue())
				Expect(result.Filename).To(Equal("gone.png"))
				Expect(structurer.Calls()).To(BeEmpty())
			})
		})
	})

	Describe("ExtractFile", func() {
		var (
			result receipt.Receipt
			err    error
			name   string
		)

		BeforeEach(func() {
			name = "a.png"
		})

		JustBeforeEach(func() {
			result, err = orchestrator.ExtractFile(context.Background(), dir, filepath.Join(dir, name), recorder)
		})

		It("should extract the receipt", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Failed()).To(BeFalse())
		})

		When("the document cannot be decoded", func() {
			BeforeEach(func() {
				name = "b.png"
			})

			It("should return the error with the error receipt", func() {
				Expect(err).To(MatchError(scanning.ErrDecode))
				Expect(result.Failed()).To(BeTrue())
				Expect(result.ID).To(Equal("b.png"))
			})
		})

		When("the inference fails", func() {
			BeforeEach(func() {
				structurer.err = errors.New("analyzing text: model unavailable")
			})

			It("should carry the failure in the receipt only", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Failed()).To(BeTrue())
				Expect(result.Error).To(ContainSubstring("model unavailable"))
				Expect(cache.entries).To(BeEmpty())
			})
		})
	})
})
