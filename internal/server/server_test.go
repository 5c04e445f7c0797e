package server

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-matcher/internal/matching"
	"github.com/zombor/receipt-matcher/internal/metrics"
	"github.com/zombor/receipt-matcher/internal/progress"
	"github.com/zombor/receipt-matcher/internal/receipt"
)

func readEvents(body io.Reader) []progress.Event {
	var events []progress.Event
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var e progress.Event
		Expect(json.Unmarshal(scanner.Bytes(), &e)).To(Succeed())
		events = append(events, e)
	}
	return events
}

func uploadBody(field, filename string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, filename)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		processor   *mockProcessor
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		processor = newMockProcessor()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		service := NewServiceWithDeps(db, storage, processor, matching.NewMatcher(nil),
			&mockIDGenerator{ids: []string{"id-1", "id-2"}}, &mockTimeSource{now: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)})
		server = NewServerWithMux(service, auth, metrics.New().Handler(), http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	Describe("handleListReceipts", func() {
		When("receipts exist", func() {
			BeforeEach(func() {
				db.receipts["id1"] = receipt.Receipt{ID: "id1", SupplierName: "Test 1"}
				db.receipts["id2"] = receipt.Receipt{ID: "id2", SupplierName: "Test 2"}
			})

			It("should return all receipts as JSON", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/receipts")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var receipts []receipt.Receipt
				Expect(json.NewDecoder(resp.Body).Decode(&receipts)).To(Succeed())
				Expect(receipts).To(HaveLen(2))
			})
		})

		When("no receipts exist", func() {
			It("should return an empty array", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/receipts")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
			})
		})
	})

	Describe("handleUploadReceipt", func() {
		When("a supported file is uploaded", func() {
			It("should stream progress ending with the receipt", func() {
				body, contentType := uploadBody("file", "receipt.pdf", []byte("%PDF-1.7"))
				resp, err := http.Post(ghttpServer.URL()+"/api/receipts", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/x-ndjson"))

				events := readEvents(resp.Body)
				Expect(events).To(HaveLen(3))
				Expect(events[0].Stage).To(Equal(progress.StageInit))
				Expect(events[1].Stage).To(Equal(progress.StageTextExtraction))
				Expect(events[2].Stage).To(Equal(progress.StageComplete))
				Expect(events[2].Data).To(HaveKeyWithValue("supplier_name", "Acme AB"))
				Expect(events[2].Data).To(HaveKeyWithValue("total_amount", 1250.0))
				Expect(db.receipts).To(HaveKey("id-1"))
			})
		})

		When("extraction fails", func() {
			BeforeEach(func() {
				processor.fail = "no text could be extracted"
			})

			It("should end the stream with an error event", func() {
				body, contentType := uploadBody("file", "blank.png", []byte("png"))
				resp, err := http.Post(ghttpServer.URL()+"/api/receipts", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()

				events := readEvents(resp.Body)
				last := events[len(events)-1]
				Expect(last.Stage).To(Equal(progress.StageError))
				Expect(last.Message).To(ContainSubstring("no text could be extracted"))
				Expect(db.receipts).To(BeEmpty())
			})
		})

		When("no file is provided", func() {
			It("should return a JSON error", func() {
				body, contentType := uploadBody("other", "receipt.pdf", []byte("%PDF"))
				resp, err := http.Post(ghttpServer.URL()+"/api/receipts", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var payload map[string]string
				Expect(json.NewDecoder(resp.Body).Decode(&payload)).To(Succeed())
				Expect(payload["error"]).To(ContainSubstring("No file was selected"))
			})
		})

		When("the file type is not supported", func() {
			It("should reject it", func() {
				body, contentType := uploadBody("file", "notes.txt", []byte("hello"))
				resp, err := http.Post(ghttpServer.URL()+"/api/receipts", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(processor.calls).To(BeZero())
			})
		})
	})

	Describe("handleGetReceipt", func() {
		BeforeEach(func() {
			db.receipts["abc"] = receipt.Receipt{ID: "abc", SupplierName: "Acme AB", TotalAmount: decimal.RequireFromString("12.50")}
		})

		It("should return the receipt", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts/abc")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var payload map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&payload)).To(Succeed())
			Expect(payload).To(HaveKeyWithValue("total_amount", 12.5))
		})

		It("should return not found for an unknown id", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts/missing")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleDeleteReceipt", func() {
		BeforeEach(func() {
			db.receipts["abc"] = receipt.Receipt{ID: "abc", Filename: "abc_a.pdf"}
			storage.files["abc_a.pdf"] = []byte("pdf")
		})

		It("should delete the receipt", func() {
			req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/receipts/abc", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.receipts).To(BeEmpty())
		})
	})

	Describe("handleGetReceiptFile", func() {
		BeforeEach(func() {
			db.receipts["abc"] = receipt.Receipt{ID: "abc", Filename: "abc_a.pdf"}
			storage.files["abc_a.pdf"] = []byte("%PDF-1.7")
		})

		It("should return the source document", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts/abc/file")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("%PDF-1.7"))
		})
	})

	Describe("handleCreateReport", func() {
		When("transactions are posted", func() {
			It("should stream the matcher events and the saved report", func() {
				payload := `{
					"receipts": [{"id": "a.pdf", "supplier_name": "Acme AB", "invoice_number": "INV-1", "date": "2024-01-15", "total_amount": 100}],
					"transactions": [{"id": "tx-1", "date": "2024-01-15", "amount": "-100,00", "reference": "ACME AB INV-1"}]
				}`
				resp, err := http.Post(ghttpServer.URL()+"/api/matches", "application/json", strings.NewReader(payload))
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				events := readEvents(resp.Body)
				stages := make([]string, len(events))
				for i, e := range events {
					stages[i] = e.Stage
				}
				Expect(stages).To(Equal([]string{
					progress.StageProgress,
					progress.StageMatch,
					progress.StageSummary,
					progress.StageUnmatched,
					progress.StageComplete,
					progress.StageReport,
				}))
				Expect(events[5].Data).To(HaveKeyWithValue("id", "id-1"))
				Expect(db.reports).To(HaveKey("id-1"))
			})
		})

		When("the body is not JSON", func() {
			It("should return a JSON error", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/matches", "application/json", strings.NewReader("{"))
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("there are no transactions", func() {
			It("should return a JSON error", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/matches", "application/json", strings.NewReader(`{"receipts": []}`))
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var payload map[string]string
				Expect(json.NewDecoder(resp.Body).Decode(&payload)).To(Succeed())
				Expect(payload["error"]).To(Equal(ErrNoTransactions.Error()))
			})
		})
	})

	Describe("handleGetReport", func() {
		BeforeEach(func() {
			db.reports["rep"] = receipt.MatchReport{ID: "rep", Summary: receipt.Summary{TotalMatches: 2}}
		})

		It("should return the report", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/matches/rep")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			var rep receipt.MatchReport
			Expect(json.NewDecoder(resp.Body).Decode(&rep)).To(Succeed())
			Expect(rep.Summary.TotalMatches).To(Equal(2))
		})

		It("should export the report as a spreadsheet", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/matches/rep/xlsx")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal(xlsxContentType))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body[:2])).To(Equal("PK"))
		})

		It("should return not found for an unknown report", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/matches/missing/xlsx")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("metrics", func() {
		It("should serve the Prometheus registry", func() {
			resp, err := http.Get(ghttpServer.URL() + "/metrics")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("should reject requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("CORS preflight", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("should answer OPTIONS without authentication", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})
	})
})
