package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsS3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeBucket is an in-process S3 subset: HEAD, GET, PUT, DELETE and ListObjectsV2
// with one-key pages so continuation tokens are exercised.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	failPut bool
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

func newFakeBucket() *fakeBucket { return &fakeBucket{objects: make(map[string]fakeObject)} }

func respond(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: header}
}

func (b *fakeBucket) RoundTrip(req *http.Request) (*http.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return b.list(req), nil
	}
	switch req.Method {
	case http.MethodHead:
		obj, ok := b.objects[key]
		if !ok {
			return respond(http.StatusNotFound, "", nil), nil
		}
		return respond(http.StatusOK, "", objectHeader(obj)), nil
	case http.MethodGet:
		obj, ok := b.objects[key]
		if !ok {
			return respond(http.StatusNotFound, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`,
				http.Header{"Content-Type": {"application/xml"}}), nil
		}
		resp := respond(http.StatusOK, "", objectHeader(obj))
		resp.Body = io.NopCloser(bytes.NewReader(obj.body))
		return resp, nil
	case http.MethodPut:
		if b.failPut {
			return respond(http.StatusInternalServerError, `<?xml version="1.0"?><Error><Code>InternalError</Code><Message>boom</Message></Error>`,
				http.Header{"Content-Type": {"application/xml"}}), nil
		}
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeAWSChunked(body); ok {
			body = dec
		}
		md := make(map[string]string)
		for h, v := range req.Header {
			if strings.HasPrefix(strings.ToLower(h), "x-amz-meta-") {
				md[strings.TrimPrefix(strings.ToLower(h), "x-amz-meta-")] = v[0]
			}
		}
		b.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type"), metadata: md}
		return respond(http.StatusOK, "", http.Header{"ETag": {`"etag"`}}), nil
	}
	return respond(http.StatusNotImplemented, "", nil), nil
}

func objectHeader(obj fakeObject) http.Header {
	h := http.Header{
		"Content-Length": {strconv.Itoa(len(obj.body))},
		"Content-Type":   {obj.contentType},
		"Etag":           {`"etag123"`},
		"Last-Modified":  {time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)},
	}
	for k, v := range obj.metadata {
		h.Set("x-amz-meta-"+k, v)
	}
	return h
}

func (b *fakeBucket) list(req *http.Request) *http.Response {
	prefix := req.URL.Query().Get("prefix")
	after := req.URL.Query().Get("continuation-token")
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0"?><ListBucketResult>`)
	if len(keys) > 1 {
		fmt.Fprintf(&sb, "<IsTruncated>true</IsTruncated><NextContinuationToken>%s</NextContinuationToken>", keys[0])
		keys = keys[:1]
	} else {
		sb.WriteString("<IsTruncated>false</IsTruncated>")
	}
	for _, k := range keys {
		fmt.Fprintf(&sb, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", k, len(b.objects[k].body))
	}
	sb.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, sb.String(), http.Header{"Content-Type": {"application/xml"}})
}

// decodeAWSChunked unwraps a single-chunk aws-chunked payload: <hex>\r\n<body>\r\n0\r\n...
func decodeAWSChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	sizeHex := parts[0]
	if i := strings.IndexByte(sizeHex, ';'); i >= 0 {
		sizeHex = sizeHex[:i]
	}
	size, err := strconv.ParseInt(sizeHex, 16, 64)
	if err != nil || int64(len(parts[1])) != size || !strings.HasPrefix(parts[2], "0") {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newTestStore(t *testing.T, bucket *fakeBucket, prefix string) *Store {
	t.Helper()
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(DefaultRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	if err != nil {
		t.Fatalf("aws config: %v", err)
	}
	client := awsS3.NewFromConfig(cfg, func(o *awsS3.Options) {
		o.HTTPClient = &http.Client{Transport: bucket}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return NewWithClient(client, "archive-bucket", prefix)
}
