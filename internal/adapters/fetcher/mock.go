package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/Amund211/urlloader/internal/domain"
)

type mockFetcher struct{}

// NewMockFetcher returns content derived from the key without any network
// access. Keys containing "notfound" fail with domain.ErrResourceNotFound.
func NewMockFetcher() *mockFetcher {
	return &mockFetcher{}
}

func (f *mockFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	if _, err := parseKey(key); err != nil {
		return nil, err
	}
	if strings.Contains(key, "notfound") {
		return nil, fmt.Errorf("%w: %s", domain.ErrResourceNotFound, key)
	}
	return []byte(fmt.Sprintf(`{"success":true,"url":%q}`, key)), nil
}

func (f *mockFetcher) Supports(key string) bool {
	_, err := parseKey(key)
	return err == nil
}
