package receipt

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Receipt", func() {
	It("should encode amounts as JSON numbers", func() {
		r := Receipt{ID: "a", TotalAmount: decimal.RequireFromString("12.50"), LineItems: []LineItem{}}
		data, err := json.Marshal(r)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"total_amount":12.5`))
		Expect(string(data)).To(ContainSubstring(`"line_items":[]`))
		Expect(string(data)).NotTo(ContainSubstring(`"error"`))
	})
})

var _ = Describe("ErrorReceipt", func() {
	var r Receipt

	BeforeEach(func() {
		r = ErrorReceipt("scans/b.png", "b.png", "SEK", time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC), errors.New("decode error"))
	})

	It("should carry the error defaults", func() {
		Expect(r.Failed()).To(BeTrue())
		Expect(r.Error).To(Equal("decode error"))
		Expect(r.SupplierName).To(Equal(ErrorValue))
		Expect(r.InvoiceNumber).To(Equal(ErrorValue))
		Expect(r.Date).To(Equal("2024-03-09"))
		Expect(r.Currency).To(Equal("SEK"))
		Expect(r.ConfidenceScore).To(BeZero())
		Expect(r.TotalAmount.IsZero()).To(BeTrue())
		Expect(r.LineItems).NotTo(BeNil())
	})

	It("should describe a missing error", func() {
		Expect(ErrorReceipt("a", "a", "SEK", time.Now(), nil).Error).To(Equal("unknown error"))
	})
})

var _ = Describe("Amount", func() {
	DescribeTable("decoding",
		func(input string, expected Amount) {
			var tx Transaction
			Expect(json.Unmarshal([]byte(`{"amount": `+input+`}`), &tx)).To(Succeed())
			Expect(tx.Amount).To(Equal(expected))
		},
		Entry("number", `-1250.5`, Amount("-1250.5")),
		Entry("string", `"-1 234,56"`, Amount("-1 234,56")),
		Entry("null", `null`, Amount("")),
	)

	It("should reject other JSON types", func() {
		var tx Transaction
		Expect(json.Unmarshal([]byte(`{"amount": {}}`), &tx)).NotTo(Succeed())
	})

	It("should encode numeric amounts as numbers", func() {
		data, err := json.Marshal(Transaction{ID: "t", Amount: "12.50"})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"amount":12.5`))
	})

	It("should keep formatted amounts as strings", func() {
		data, err := json.Marshal(Transaction{ID: "t", Amount: "1 234,56"})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"amount":"1 234,56"`))
	})

	It("should normalize on read", func() {
		d, err := Amount("$12.00").Decimal()
		Expect(err).NotTo(HaveOccurred())
		Expect(d.String()).To(Equal("12"))
	})

	It("should keep the value of a number in exponent form", func() {
		var tx Transaction
		Expect(json.Unmarshal([]byte(`{"id": "t", "amount": 1e3}`), &tx)).To(Succeed())

		d, err := tx.Amount.Decimal()
		Expect(err).NotTo(HaveOccurred())
		Expect(d.String()).To(Equal("1000"))
	})
})

var _ = Describe("NewStats", func() {
	It("should count failures", func() {
		stats := NewStats([]Receipt{{ID: "a"}, {ID: "b", Error: "boom"}, {ID: "c"}}, 1)
		Expect(stats).To(Equal(Stats{Total: 3, Matched: 1, Unmatched: 2, Failed: 1}))
	})
})
