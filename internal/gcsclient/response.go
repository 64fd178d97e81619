package gcsclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 64 << 10

// Item is an object resource as returned by stat, upload and copy.
type Item struct {
	Name    string    `json:"name"`
	Updated time.Time `json:"updated"`
	Size    string    `json:"size"`
}

// ResponseBody is one page of an object listing.
type ResponseBody struct {
	Items         []Item   `json:"items,omitempty"`
	Prefixes      []string `json:"prefixes,omitempty"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ToMetadata converts an object record into file metadata. Sizes are
// unsigned decimal strings; anything else is a decode error.
func ToMetadata(item Item) (types.Metadata, error) {
	size, err := ParseSize(item.Size)
	if err != nil {
		return types.Metadata{}, types.NewOpError("decode", item.Name, err)
	}
	return types.FileMetadata(size, item.Updated), nil
}

// ParseSize parses the decimal size string of an object record.
func ParseSize(s string) (uint64, error) {
	size, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q is not an unsigned integer", types.ErrMetadataDecode, s)
	}
	return size, nil
}

// CheckStatus validates the status class of resp. Non-2xx responses are
// drained, closed and returned as an OpError carrying the matching
// sentinel; the body is never decoded as metadata.
func CheckStatus(op Op, key string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return types.StatusError(string(op), key, resp.StatusCode, errorDetail(body))
}

func errorDetail(body []byte) string {
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return detail
}

// DecodeItem reads an object record from a successful response.
func DecodeItem(op Op, key string, resp *http.Response) (Item, error) {
	var item Item
	if err := decodeJSON(op, key, resp, &item); err != nil {
		return Item{}, err
	}
	return item, nil
}

// DecodeListing reads a listing page from a successful response.
func DecodeListing(op Op, key string, resp *http.Response) (ResponseBody, error) {
	var page ResponseBody
	if err := decodeJSON(op, key, resp, &page); err != nil {
		return ResponseBody{}, err
	}
	return page, nil
}

func decodeJSON(op Op, key string, resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := CheckStatus(op, key, resp); err != nil {
		return err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewOpError(string(op), key, fmt.Errorf("%w: read body: %v", types.ErrUnavailable, err))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return types.NewOpError(string(op), key, fmt.Errorf("%w: %v", types.ErrMetadataDecode, err))
	}
	return nil
}
