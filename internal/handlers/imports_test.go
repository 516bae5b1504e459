package handlers

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/routeops-platform/api/internal/importer"
)

// previewFromUpload runs the same pure pipeline the preview endpoint runs.
func previewFromUpload(t *testing.T, parsed parsedUpload) *PreviewStats {
	t.Helper()
	mapping := importer.DetectMapping(parsed.headers).Merge(parsed.overrides)
	records, err := importer.Transform(context.Background(), parsed.headers, parsed.rows, mapping)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	set, err := importer.Extract(context.Background(), records)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	return buildPreviewStats(set)
}

func multipartUpload(t *testing.T, fileName, contentType, body, options string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+fileName+`"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if options != "" {
		if err := writer.WriteField("options", options); err != nil {
			t.Fatalf("write options: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/imports/preview", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestParseImportUploadReadsCSV(t *testing.T) {
	csv := "Branch Code,Route,Client Code,Customer,Lat,Lng\nB1,R1,C1,Store A,24.7,46.6\n"
	req := multipartUpload(t, "routes.csv", "text/csv", csv, "")

	parsed, appErr := parseImportUpload(req, 1000)
	if appErr != nil {
		t.Fatalf("parse: %+v", appErr)
	}
	if parsed.fileName != "routes.csv" {
		t.Errorf("file name: %q", parsed.fileName)
	}
	if len(parsed.headers) != 6 || parsed.headers[0] != "Branch Code" {
		t.Errorf("headers: %v", parsed.headers)
	}
	if len(parsed.rows) != 1 || parsed.rows[0][3] != "Store A" {
		t.Errorf("rows: %v", parsed.rows)
	}
	if len(parsed.fileSHA256) != 64 {
		t.Errorf("sha256 hex: %q", parsed.fileSHA256)
	}
}

func TestParseImportUploadStripsHeaderBOM(t *testing.T) {
	csv := "\uFEFFBranch Code,Route\nB1,R1\n"
	req := multipartUpload(t, "routes.csv", "text/csv", csv, "")

	parsed, appErr := parseImportUpload(req, 1000)
	if appErr != nil {
		t.Fatalf("parse: %+v", appErr)
	}
	if parsed.headers[0] != "Branch Code" {
		t.Errorf("BOM not stripped: %q", parsed.headers[0])
	}
}

func TestParseImportUploadMappingOverrides(t *testing.T) {
	csv := "A,B\n1,2\n"
	req := multipartUpload(t, "routes.csv", "text/csv", csv, `{"mapping":{"branch_code":"A","route_name":"B"}}`)

	parsed, appErr := parseImportUpload(req, 1000)
	if appErr != nil {
		t.Fatalf("parse: %+v", appErr)
	}
	if parsed.overrides.BranchCode != "A" || parsed.overrides.RouteName != "B" {
		t.Errorf("overrides: %+v", parsed.overrides)
	}
}

func TestParseImportUploadRejections(t *testing.T) {
	tests := []struct {
		name     string
		req      func(t *testing.T) *http.Request
		wantCode string
	}{
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/imports/preview", strings.NewReader("{}"))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			wantCode: "invalid_content_type",
		},
		{
			name: "wrong extension",
			req: func(t *testing.T) *http.Request {
				return multipartUpload(t, "routes.xlsx", "application/octet-stream", "junk", "")
			},
			wantCode: "invalid_file_type",
		},
		{
			name: "unsupported csv content type",
			req: func(t *testing.T) *http.Request {
				return multipartUpload(t, "routes.csv", "application/pdf", "a,b\n1,2\n", "")
			},
			wantCode: "invalid_content_type",
		},
		{
			name: "header only",
			req: func(t *testing.T) *http.Request {
				return multipartUpload(t, "routes.csv", "text/csv", "a,b\n", "")
			},
			wantCode: "empty_file",
		},
		{
			name: "malformed options json",
			req: func(t *testing.T) *http.Request {
				return multipartUpload(t, "routes.csv", "text/csv", "a,b\n1,2\n", "{not json")
			},
			wantCode: "invalid_options",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, appErr := parseImportUpload(tt.req(t), 1000)
			if appErr == nil {
				t.Fatal("expected rejection")
			}
			if appErr.Code != tt.wantCode {
				t.Fatalf("code: got %q, want %q", appErr.Code, tt.wantCode)
			}
			if appErr.Status != http.StatusBadRequest {
				t.Fatalf("status: got %d", appErr.Status)
			}
		})
	}
}

func TestParseImportUploadRowLimit(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("a,b\n")
	for i := 0; i < 5; i++ {
		sb.WriteString("1,2\n")
	}
	req := multipartUpload(t, "routes.csv", "text/csv", sb.String(), "")

	if _, appErr := parseImportUpload(req, 4); appErr == nil || appErr.Code != "row_limit_exceeded" {
		t.Fatalf("expected row_limit_exceeded, got %+v", appErr)
	}
	req = multipartUpload(t, "routes.csv", "text/csv", sb.String(), "")
	if _, appErr := parseImportUpload(req, 5); appErr != nil {
		t.Fatalf("limit equal to row count must pass: %+v", appErr)
	}
}

func TestBuildPreviewStatsSamplesAreBounded(t *testing.T) {
	csv := "Branch Code,Route,Client Code,Customer,Lat,Lng\n"
	var sb strings.Builder
	sb.WriteString(csv)
	for i := 0; i < 10; i++ {
		sb.WriteString("B1,R1,C")
		sb.WriteByte(byte('0' + i))
		sb.WriteString(",Store,24.7,46.6\n")
	}
	req := multipartUpload(t, "routes.csv", "text/csv", sb.String(), "")
	parsed, appErr := parseImportUpload(req, 1000)
	if appErr != nil {
		t.Fatalf("parse: %+v", appErr)
	}

	stats := previewFromUpload(t, parsed)
	if stats.Customers.Count != 10 {
		t.Errorf("customer count: got %d", stats.Customers.Count)
	}
	if len(stats.Customers.Sample) != previewSampleSize {
		t.Errorf("sample size: got %d, want %d", len(stats.Customers.Sample), previewSampleSize)
	}
	if stats.Branches.Count != 1 || len(stats.Branches.Sample) != 1 {
		t.Errorf("branches: %+v", stats.Branches)
	}
}
