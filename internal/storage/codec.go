package storage

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// EncodeReviews renders parsed records the way the JSON tree stores them.
func EncodeReviews(reviews []crawler.Review) ([]byte, error) {
	if reviews == nil {
		reviews = []crawler.Review{}
	}
	data, err := json.MarshalIndent(reviews, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode reviews: %w", err)
	}
	return data, nil
}

// DecodeReviews parses a JSON tree entry.
func DecodeReviews(data []byte) ([]crawler.Review, error) {
	var reviews []crawler.Review
	if err := json.Unmarshal(data, &reviews); err != nil {
		return nil, fmt.Errorf("decode reviews: %w", err)
	}
	if reviews == nil {
		reviews = []crawler.Review{}
	}
	return reviews, nil
}
