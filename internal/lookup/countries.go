package lookup

import (
	"context"
	"encoding/json"
	"fmt"
)

// DefaultCountriesBaseURI is the REST Countries v3.1 API root.
const DefaultCountriesBaseURI = "https://restcountries.com/v3.1/"

// CountriesClient resolves capitals through REST Countries.
type CountriesClient struct {
	http *httpClient
}

// NewCountriesClient creates a client for the API at baseURI.
func NewCountriesClient(baseURI string, options ...Option) *CountriesClient {
	if baseURI == "" {
		baseURI = DefaultCountriesBaseURI
	}
	return &CountriesClient{http: newHTTPClient(baseURI, options...)}
}

type countryRecord struct {
	Capital []string `json:"capital"`
}

// Capital returns the first capital of the first country matching name.
func (c *CountriesClient) Capital(ctx context.Context, name string) (string, error) {
	body, err := c.http.get(ctx, "name", name)
	if err != nil {
		return "", err
	}

	var records []countryRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return "", fmt.Errorf("%w for %q: %v", ErrMalformedResponse, name, err)
	}
	if len(records) == 0 || len(records[0].Capital) == 0 || records[0].Capital[0] == "" {
		return "", fmt.Errorf("%w for %q: no capital", ErrMalformedResponse, name)
	}

	return records[0].Capital[0], nil
}
