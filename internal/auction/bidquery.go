package auction

import (
	"context"
	"sort"

	"github.com/openride/dispatch/internal/models"
	"github.com/openride/dispatch/pkg/common"
)

// Bid sort keys.
const (
	SortByFare    = "fareAmount"
	SortByTime    = "bidTime"
	SortByArrival = "estimatedArrival"
)

// BidQuery filters and orders a request's bid list.
type BidQuery struct {
	Status models.BidStatus // empty matches all
	SortBy string           // defaults to fareAmount
	Order  string           // asc (default) or desc
}

// BidView is one bid enriched with its position in the listing.
type BidView struct {
	models.Bid
	Rank      int  `json:"rank"`
	IsLowest  bool `json:"isLowest"`
	IsHighest bool `json:"isHighest"`
}

// BidStats summarises fares across the listed bids.
type BidStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Range float64 `json:"range"`
}

// BidListing is the bid query result.
type BidListing struct {
	RequestID string            `json:"requestId"`
	Status    models.RideStatus `json:"requestStatus"`
	Bids      []BidView         `json:"bids"`
	Stats     *BidStats         `json:"stats,omitempty"`
}

// Bids lists a request's bids, filtered, sorted and ranked, with fare
// statistics over the filtered set.
func (e *Engine) Bids(ctx context.Context, requestID string, q BidQuery) (*BidListing, error) {
	if !models.RequestIDPattern.MatchString(requestID) {
		return nil, common.NewBadRequest(common.CodeInvalidRequestID, "malformed request id")
	}
	if err := validateBidQuery(q); err != nil {
		return nil, err
	}

	req, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}

	filtered := make([]models.Bid, 0, len(req.Bids))
	for _, b := range req.Bids {
		if q.Status == "" || b.Status == q.Status {
			filtered = append(filtered, b)
		}
	}

	sortBids(filtered, q.SortBy, q.Order == "desc")

	listing := &BidListing{
		RequestID: req.ID,
		Status:    req.Status,
		Bids:      make([]BidView, 0, len(filtered)),
	}
	if len(filtered) == 0 {
		return listing, nil
	}

	lowest, highest := fareExtremes(filtered)
	sum := 0.0
	for i, b := range filtered {
		listing.Bids = append(listing.Bids, BidView{
			Bid:       b,
			Rank:      i + 1,
			IsLowest:  b.FareAmount == lowest,
			IsHighest: b.FareAmount == highest,
		})
		sum += b.FareAmount
	}
	listing.Stats = &BidStats{
		Min:   lowest,
		Max:   highest,
		Mean:  sum / float64(len(filtered)),
		Range: highest - lowest,
	}
	return listing, nil
}

func validateBidQuery(q BidQuery) error {
	switch q.SortBy {
	case "", SortByFare, SortByTime, SortByArrival:
	default:
		return common.NewValidationError("unknown sortBy value", map[string]string{"sortBy": q.SortBy})
	}
	switch q.Order {
	case "", "asc", "desc":
	default:
		return common.NewValidationError("order must be asc or desc", map[string]string{"order": q.Order})
	}
	if q.Status != "" {
		switch q.Status {
		case models.BidPending, models.BidAccepted, models.BidRejected, models.BidExpired:
		default:
			return common.NewBadRequest(common.CodeInvalidStatus, "unknown bid status")
		}
	}
	return nil
}

func sortBids(bids []models.Bid, sortBy string, desc bool) {
	less := func(i, j int) bool { return bids[i].FareAmount < bids[j].FareAmount }
	switch sortBy {
	case SortByTime:
		less = func(i, j int) bool { return bids[i].BidTime.Before(bids[j].BidTime) }
	case SortByArrival:
		less = func(i, j int) bool { return bids[i].EstimatedArrival < bids[j].EstimatedArrival }
	}
	if desc {
		inner := less
		less = func(i, j int) bool { return inner(j, i) }
	}
	sort.SliceStable(bids, less)
}

func fareExtremes(bids []models.Bid) (lowest, highest float64) {
	lowest, highest = bids[0].FareAmount, bids[0].FareAmount
	for _, b := range bids[1:] {
		if b.FareAmount < lowest {
			lowest = b.FareAmount
		}
		if b.FareAmount > highest {
			highest = b.FareAmount
		}
	}
	return lowest, highest
}
