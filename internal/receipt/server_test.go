package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-scanner/internal/imagestore"
	"github.com/zombor/receipt-scanner/internal/scanning"
)

type filePart struct {
	name        string
	contentType string
	body        string
}

func multipartBody(field string, files ...filePart) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.name))
		h.Set("Content-Type", f.contentType)
		part, err := writer.CreatePart(h)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte(f.body))
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

func decodeBody(resp *http.Response) map[string]any {
	defer resp.Body.Close()
	var out map[string]any
	Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
	return out
}

var _ = Describe("Server", func() {
	var (
		repo        *mockRepo
		store       *mockStore
		scanner     *mockScanner
		journal     *mockJournal
		service     *Service
		server      *Server
		opts        ServerOptions
		mux         *http.ServeMux
		ghttpServer *ghttp.Server
	)

	// do sends one request through the full middleware chain.
	do := func(method, path string, body io.Reader, headers map[string]string) *http.Response {
		ghttpServer.AppendHandlers(server.ServeHTTP)
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	get := func(path string) *http.Response {
		return do(http.MethodGet, path, nil, nil)
	}

	scan := func(files ...filePart) *http.Response {
		body, contentType := multipartBody("file", files...)
		return do(http.MethodPost, "/api/receipts/scan", body, map[string]string{"Content-Type": contentType})
	}

	jpeg := filePart{name: "receipt.jpg", contentType: "image/jpeg", body: "jpeg bytes"}

	BeforeEach(func() {
		repo = newMockRepo()
		store = newMockStore()
		scanner = newMockScanner()
		journal = &mockJournal{}
		opts = ServerOptions{}
		mux = http.NewServeMux()
	})

	JustBeforeEach(func() {
		service = NewService(repo, scanner, store, journal)
		server = NewServerWithMux(service, opts, mux)
		ghttpServer = ghttp.NewServer()
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	Describe("health", func() {
		It("reports ok", func() {
			resp := get("/api/health")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeBody(resp)).To(HaveKeyWithValue("status", "ok"))
		})

		When("the database is down", func() {
			BeforeEach(func() {
				repo.pingErr = errors.New("connection refused")
			})

			It("reports unavailable", func() {
				resp := get("/api/health")
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				Expect(decodeBody(resp)).To(HaveKeyWithValue("status", "unavailable"))
			})
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			opts.BasicAuth = BasicAuth{Username: "user", Password: "secret"}
		})

		It("rejects requests without credentials", func() {
			resp := get("/api/receipts")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(decodeBody(resp)).To(HaveKeyWithValue("error", "Unauthorized"))
		})

		It("rejects wrong credentials", func() {
			ghttpServer.AppendHandlers(server.ServeHTTP)
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "wrong")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("accepts the configured credentials", func() {
			ghttpServer.AppendHandlers(server.ServeHTTP)
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "secret")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("leaves the health check open", func() {
			resp := get("/api/health")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("CORS", func() {
		BeforeEach(func() {
			opts.CORSOrigins = []string{"http://localhost:5173"}
		})

		It("allows configured origins", func() {
			resp := do(http.MethodGet, "/api/categories", nil, map[string]string{"Origin": "http://localhost:5173"})
			resp.Body.Close()
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("http://localhost:5173"))
			Expect(resp.Header.Get("Access-Control-Allow-Credentials")).To(Equal("true"))
		})

		It("ignores other origins", func() {
			resp := do(http.MethodGet, "/api/categories", nil, map[string]string{"Origin": "http://evil.example"})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(BeEmpty())
		})

		It("answers preflight requests", func() {
			resp := do(http.MethodOptions, "/api/receipts/1", nil, map[string]string{
				"Origin":                        "http://localhost:5173",
				"Access-Control-Request-Method": "PUT",
			})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})

		When("every origin is allowed", func() {
			BeforeEach(func() {
				opts.CORSOrigins = []string{"*"}
			})

			It("echoes the origin", func() {
				resp := do(http.MethodGet, "/api/categories", nil, map[string]string{"Origin": "http://anywhere.example"})
				resp.Body.Close()
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("http://anywhere.example"))
			})
		})
	})

	Describe("POST /api/receipts/scan", func() {
		It("creates a receipt", func() {
			resp := scan(jpeg)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			body := decodeBody(resp)
			Expect(body).To(HaveKeyWithValue("store_name", "テストマート"))
			Expect(body).To(HaveKeyWithValue("total_amount", BeNumerically("==", 1580)))
			Expect(body).To(HaveKeyWithValue("date", "2026-02-10"))
			Expect(body).To(HaveKeyWithValue("image_path", "/uploads/1.jpg"))
			Expect(body).NotTo(HaveKey("raw_response"))
			Expect(body["items"]).To(HaveLen(2))
		})

		It("hands the file bytes to the store", func() {
			resp := scan(jpeg)
			resp.Body.Close()
			Expect(store.files).To(HaveKeyWithValue("/uploads/1.jpg", []byte("jpeg bytes")))
		})

		It("requires a file", func() {
			resp := scan()
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			body := decodeBody(resp)
			Expect(body["errors"]).To(ConsistOf(HaveKeyWithValue("field", "file")))
		})

		It("rejects a non-multipart body", func() {
			resp := do(http.MethodPost, "/api/receipts/scan", strings.NewReader("{}"), map[string]string{"Content-Type": "application/json"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeBody(resp)).To(HaveKeyWithValue("error", "Error parsing form"))
		})

		When("the image is rejected", func() {
			BeforeEach(func() {
				store.saveErr = fmt.Errorf("%w (got %q)", imagestore.ErrInvalidFormat, "application/pdf")
			})

			It("returns 400", func() {
				resp := scan(jpeg)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeBody(resp)).To(HaveKeyWithValue("error", imagestore.ErrInvalidFormat.Error()))
			})
		})

		When("the image has too many pixels", func() {
			BeforeEach(func() {
				store.saveErr = fmt.Errorf("%w (20000x20000)", imagestore.ErrTooManyPixels)
			})

			It("returns 400", func() {
				resp := scan(jpeg)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeBody(resp)).To(HaveKeyWithValue("error", imagestore.ErrTooManyPixels.Error()))
			})
		})

		When("the model output cannot be parsed", func() {
			BeforeEach(func() {
				scanner.scanErr = scanning.ErrParse
			})

			It("asks for a retake", func() {
				resp := scan(jpeg)
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				Expect(decodeBody(resp)).To(HaveKeyWithValue("error", msgUnreadable))
			})
		})

		When("the vision service fails", func() {
			BeforeEach(func() {
				scanner.scanErr = fmt.Errorf("%w: api key AIza-secret rejected", scanning.ErrService)
			})

			It("returns a generic 500", func() {
				resp := scan(jpeg)
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				body := decodeBody(resp)
				Expect(body).To(HaveKeyWithValue("error", msgScanFailed))
				Expect(fmt.Sprint(body)).NotTo(ContainSubstring("AIza"))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				repo.createErr = errors.New("disk I/O error")
			})

			It("hides the cause", func() {
				resp := scan(jpeg)
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(decodeBody(resp)).To(HaveKeyWithValue("error", msgInternal))
			})
		})
	})

	Describe("POST /api/receipts/scan/batch", func() {
		BeforeEach(func() {
			scanner.failOn = map[int]error{2: scanning.ErrValidation}
		})

		It("reports each file", func() {
			body, contentType := multipartBody("files",
				filePart{name: "a.jpg", contentType: "image/jpeg", body: "a"},
				filePart{name: "b.jpg", contentType: "image/jpeg", body: "b"},
				filePart{name: "c.jpg", contentType: "image/jpeg", body: "c"},
			)
			resp := do(http.MethodPost, "/api/receipts/scan/batch", body, map[string]string{"Content-Type": contentType})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			out := decodeBody(resp)
			Expect(out).To(HaveKeyWithValue("success_count", BeNumerically("==", 2)))
			Expect(out).To(HaveKeyWithValue("error_count", BeNumerically("==", 1)))

			results := out["results"].([]any)
			Expect(results).To(HaveLen(3))
			failed := results[1].(map[string]any)
			Expect(failed).To(HaveKeyWithValue("filename", "b.jpg"))
			Expect(failed).To(HaveKeyWithValue("success", false))
			Expect(failed).To(HaveKeyWithValue("error", msgUnreadable))
		})

		It("requires at least one file", func() {
			body, contentType := multipartBody("files")
			resp := do(http.MethodPost, "/api/receipts/scan/batch", body, map[string]string{"Content-Type": contentType})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})
	})

	Describe("receipts", func() {
		JustBeforeEach(func() {
			_, err := service.ProcessReceipt(context.Background(), upload("receipt.jpg"))
			Expect(err).NotTo(HaveOccurred())
		})

		Describe("GET /api/receipts", func() {
			It("returns items and total", func() {
				resp := get("/api/receipts?sort_by=date&sort_order=asc&skip=0&limit=5")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				body := decodeBody(resp)
				Expect(body).To(HaveKeyWithValue("total", BeNumerically("==", 1)))
				Expect(body["items"]).To(HaveLen(1))
				Expect(repo.lastSort).To(Equal(Sort{Field: "date", Order: "asc"}))
				Expect(repo.lastPage).To(Equal(Page{Skip: 0, Limit: 5}))
			})

			It("passes filters through", func() {
				resp := get("/api/receipts?category=%E9%A3%9F%E8%B2%BB&date_from=2026-01-01&amount_min=100&search=mart")
				resp.Body.Close()
				Expect(*repo.lastFilter.Category).To(Equal("食費"))
				Expect(repo.lastFilter.DateFrom.String()).To(Equal("2026-01-01"))
				Expect(repo.lastFilter.AmountMin.String()).To(Equal("100"))
				Expect(repo.lastFilter.Search).To(Equal("mart"))
			})

			It("rejects invalid parameters with field errors", func() {
				resp := get("/api/receipts?limit=500&date_to=tomorrow")
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				body := decodeBody(resp)
				Expect(body["error"]).To(HavePrefix("Validation failed"))
				Expect(body["errors"]).To(ConsistOf(HaveKeyWithValue("field", "date_to")))
			})

			When("the sort field is unknown", func() {
				BeforeEach(func() {
					repo.listErr = fmt.Errorf("%w: %q", ErrInvalidSortField, "raw_response")
				})

				It("returns 400", func() {
					resp := get("/api/receipts?sort_by=raw_response")
					resp.Body.Close()
					Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				})
			})
		})

		Describe("GET /api/receipts/{id}", func() {
			It("returns the receipt", func() {
				resp := get("/api/receipts/1")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(decodeBody(resp)).To(HaveKeyWithValue("id", BeNumerically("==", 1)))
			})

			It("returns 404 for an unknown id", func() {
				resp := get("/api/receipts/42")
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(decodeBody(resp)).To(HaveKeyWithValue("error", "Receipt not found"))
			})

			It("rejects a malformed id", func() {
				resp := get("/api/receipts/abc")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			})
		})

		Describe("PUT /api/receipts/{id}", func() {
			put := func(path, body string) *http.Response {
				return do(http.MethodPut, path, strings.NewReader(body), map[string]string{"Content-Type": "application/json"})
			}

			It("replaces the receipt", func() {
				resp := put("/api/receipts/1", `{"store_name":"カフェ","total_amount":300,"category":"食費","items":[{"name":"コーヒー","price":300}]}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				body := decodeBody(resp)
				Expect(body).To(HaveKeyWithValue("store_name", "カフェ"))
				Expect(body).To(HaveKeyWithValue("date", BeNil()))
				items := body["items"].([]any)
				Expect(items).To(HaveLen(1))
				Expect(items[0]).To(HaveKeyWithValue("quantity", BeNumerically("==", 1)))
			})

			It("rejects an unknown category", func() {
				resp := put("/api/receipts/1", `{"category":"宇宙旅行"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				Expect(decodeBody(resp)["errors"]).To(ConsistOf(HaveKeyWithValue("field", "category")))
			})

			It("returns 404 for an unknown id", func() {
				resp := put("/api/receipts/42", `{}`)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})

		Describe("DELETE /api/receipts/{id}", func() {
			It("returns 204 and removes the receipt", func() {
				resp := do(http.MethodDelete, "/api/receipts/1", nil, nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				Expect(repo.receipts).To(BeEmpty())
			})

			It("returns 404 for an unknown id", func() {
				resp := do(http.MethodDelete, "/api/receipts/42", nil, nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})

		Describe("GET /api/receipts/export", func() {
			It("returns a CSV attachment", func() {
				resp := get("/api/receipts/export")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("text/csv; charset=utf-8"))
				Expect(resp.Header.Get("Content-Disposition")).To(Equal(`attachment; filename="receipts.csv"`))

				data, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(HavePrefix("\ufeffID,日付"))
				Expect(string(data)).To(ContainSubstring("1,2026-02-10,テストマート,1580,143,現金,日用品,おにぎり 鮭×2 / 緑茶×1"))
			})

			It("is not shadowed by the id route", func() {
				resp := get("/api/receipts/export?sort_by=date")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})

		Describe("GET /api/scans", func() {
			It("lists recent scan attempts", func() {
				resp := get("/api/scans?limit=5")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				scans := decodeBody(resp)["scans"].([]any)
				Expect(scans).To(HaveLen(1))
				Expect(scans[0]).To(HaveKeyWithValue("filename", "receipt.jpg"))
			})
		})
	})

	Describe("summaries", func() {
		It("returns a monthly summary", func() {
			resp := get("/api/summary/monthly?year=2026&month=2")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decodeBody(resp)
			Expect(body).To(HaveKeyWithValue("year", BeNumerically("==", 2026)))
			Expect(body).To(HaveKeyWithValue("month", BeNumerically("==", 2)))
			Expect(body).To(HaveKeyWithValue("total_amount", BeNumerically("==", 0)))
			Expect(body["categories"]).To(BeEmpty())
		})

		It("requires year and month", func() {
			resp := get("/api/summary/monthly?year=2026")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})

		It("lists available months", func() {
			repo.months = []MonthCount{{Year: 2026, Month: 2, Count: 3}}
			resp := get("/api/summary/monthly-list")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			months := decodeBody(resp)["months"].([]any)
			Expect(months).To(ConsistOf(And(
				HaveKeyWithValue("year", BeNumerically("==", 2026)),
				HaveKeyWithValue("month", BeNumerically("==", 2)),
				HaveKeyWithValue("count", BeNumerically("==", 3)),
			)))
		})
	})

	Describe("GET /api/categories", func() {
		It("lists the closed category set", func() {
			resp := get("/api/categories")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeBody(resp)["categories"]).To(ContainElements("食費", "交通費", "その他"))
		})
	})

	Describe("uploads", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
			Expect(os.MkdirAll(filepath.Join(dir, "thumbs"), 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("image"), 0644)).To(Succeed())
			opts.UploadDir = dir
		})

		It("serves stored files", func() {
			resp := get("/uploads/a.jpg")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("image"))
		})

		It("does not list directories", func() {
			resp := get("/uploads/thumbs/")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("returns 404 for missing files", func() {
			resp := get("/uploads/missing.jpg")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("panics", func() {
		BeforeEach(func() {
			mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
				panic("kaboom")
			})
		})

		It("are turned into a JSON 500", func() {
			resp := get("/boom")
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(decodeBody(resp)).To(HaveKeyWithValue("error", msgInternal))
		})
	})
})
