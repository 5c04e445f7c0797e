package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		model  *Ollama
		req    Request
		text   string
		err    error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		model, err = NewOllama(server.URL(), "llama3.1")
		Expect(err).NotTo(HaveOccurred())
		req = Request{System: "be precise", Prompt: "extract", Temperature: 0.1, JSON: true}
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		text, err = model.Complete(context.Background(), req)
	})

	When("the server answers", func() {
		var sent ollamaChatRequest

		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					body, readErr := io.ReadAll(r.Body)
					Expect(readErr).NotTo(HaveOccurred())
					Expect(json.Unmarshal(body, &sent)).To(Succeed())
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"message": map[string]string{"role": "assistant", "content": ` {"supplier_name": "Acme"} `},
					"done":    true,
				}),
			))
		})

		It("should return the trimmed message content", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal(`{"supplier_name": "Acme"}`))
		})

		It("should request JSON output at the given temperature", func() {
			Expect(sent.Format).To(Equal("json"))
			Expect(sent.Options.Temperature).To(BeNumerically("~", 0.1, 0.0001))
			Expect(sent.Stream).To(BeFalse())
		})

		It("should send the system and user messages", func() {
			Expect(sent.Messages).To(Equal([]ollamaMessage{
				{Role: "system", Content: "be precise"},
				{Role: "user", Content: "extract"},
			}))
		})
	})

	When("the server rate limits", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, "slow down", http.Header{"Retry-After": []string{"7"}}))
		})

		It("should return a RateLimitError", func() {
			var rlErr *RateLimitError
			Expect(errors.As(err, &rlErr)).To(BeTrue())
			Expect(rlErr.Provider).To(Equal("ollama"))
			Expect(rlErr.RetryAfter.Seconds()).To(Equal(7.0))
		})
	})

	When("the server fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "boom"))
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(ContainSubstring("status 500")))
		})
	})

	When("the answer is empty", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
				"message": map[string]string{"role": "assistant", "content": "  "},
			}))
		})

		It("returns ErrNoResponse", func() {
			Expect(err).To(MatchError(ErrNoResponse))
		})
	})
})

var _ = Describe("WithRateLimit", func() {
	It("returns the model unchanged when no limit is set", func() {
		m := &stubModel{}
		Expect(WithRateLimit(m, 0)).To(BeIdenticalTo(m))
	})

	It("passes calls through to the wrapped model", func() {
		m := &stubModel{answer: "{}"}
		text, err := WithRateLimit(m, 100).Complete(context.Background(), Request{Prompt: "x"})
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(Equal("{}"))
		Expect(m.calls).To(Equal(1))
	})

	It("stops waiting when the context is cancelled", func() {
		m := &stubModel{}
		limited := WithRateLimit(m, 0.001)
		_, _ = limited.Complete(context.Background(), Request{})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := limited.Complete(ctx, Request{})
		Expect(err).To(HaveOccurred())
		Expect(m.calls).To(Equal(1))
	})
})

type stubModel struct {
	answer string
	calls  int
}

func (s *stubModel) Complete(ctx context.Context, req Request) (string, error) {
	s.calls++
	return s.answer, nil
}

func (s *stubModel) Close() error { return nil }
