package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"plot-stats/internal/database"
	"plot-stats/internal/utils"
)

var ErrInvalidPayload = errors.New("payload has no pageProps")

var categoryNames = map[string]string{
	"terrain": "Plot",
	"flat":    "Apartment",
	"house":   "House",
}

// CategoryNames lists every category a payload can map to.
func CategoryNames() []string {
	return []string{"Plot", "Apartment", "House"}
}

// MapCategory translates the site's estate type into a category name.
func MapCategory(label string) (string, bool) {
	name, ok := categoryNames[strings.ToLower(strings.TrimSpace(label))]
	return name, ok
}

type SearchDraft struct {
	Location       string
	DistanceRadius int
	Coordinates    string
	FromPrice      *int
	ToPrice        *int
	FromSurface    *int
	ToSurface      *int
}

// Listing pairs an estate with the price observed for it. Price is nil when
// the listing carries no total price.
type Listing struct {
	Estate *database.Estate
	Price  *database.Price
}

type Scan struct {
	Search        SearchDraft
	CategoryLabel string
	Listings      []Listing
	TotalPages    int
}

func (s *Scan) Estates() []*database.Estate {
	estates := make([]*database.Estate, 0, len(s.Listings))
	for _, l := range s.Listings {
		estates = append(estates, l.Estate)
	}
	return estates
}

// Prices returns the listing prices in listing order, bound to eventID.
func (s *Scan) Prices(eventID uint) []*database.Price {
	prices := make([]*database.Price, 0, len(s.Listings))
	for _, l := range s.Listings {
		if l.Price == nil {
			continue
		}
		price := *l.Price
		price.SearchEventID = eventID
		prices = append(prices, &price)
	}
	return prices
}

// Extract pulls the search, its listings and the page count out of a data
// endpoint body. Missing optional fields stay empty.
func Extract(body []byte) (*Scan, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if doc.PageProps == nil {
		return nil, ErrInvalidPayload
	}
	props := doc.PageProps

	coordinates, err := props.coordinates()
	if err != nil {
		return nil, err
	}

	scan := &Scan{
		CategoryLabel: props.Estate,
		Search: SearchDraft{
			Location:    props.FilteringQueryParams.location(),
			Coordinates: coordinates,
			FromPrice:   props.FilteringQueryParams.PriceMin.Int(),
			ToPrice:     props.FilteringQueryParams.PriceMax.Int(),
			FromSurface: props.FilteringQueryParams.AreaMin.Int(),
			ToSurface:   props.FilteringQueryParams.AreaMax.Int(),
		},
		TotalPages: 1,
	}
	if radius := props.FilteringQueryParams.DistanceRadius.Int(); radius != nil {
		scan.Search.DistanceRadius = *radius
	}

	if props.Data != nil && props.Data.SearchAds != nil {
		ads := props.Data.SearchAds
		if ads.Pagination != nil {
			if pages := ads.Pagination.TotalPages.Int(); pages != nil && *pages > 1 {
				scan.TotalPages = *pages
			}
		}
		for _, item := range ads.Items {
			if listing, ok := item.toListing(); ok {
				scan.Listings = append(scan.Listings, listing)
			}
		}
	}

	return scan, nil
}

type document struct {
	PageProps *pageProps `json:"pageProps"`
}

type pageProps struct {
	Estate         string `json:"estate"`
	MapBoundingBox *struct {
		BoundingBox json.RawMessage `json:"boundingBox"`
	} `json:"mapBoundingBox"`
	FilteringQueryParams queryParams `json:"filteringQueryParams"`
	Data                 *struct {
		SearchMapPins *struct {
			BoundingBox json.RawMessage `json:"boundingBox"`
		} `json:"searchMapPins"`
		SearchAds *struct {
			Items      []item `json:"items"`
			Pagination *struct {
				TotalPages number `json:"totalPages"`
			} `json:"pagination"`
		} `json:"searchAds"`
	} `json:"data"`
}

func (p *pageProps) coordinates() (string, error) {
	var candidates []json.RawMessage
	if p.MapBoundingBox != nil {
		candidates = append(candidates, p.MapBoundingBox.BoundingBox)
	}
	if p.Data != nil && p.Data.SearchMapPins != nil {
		candidates = append(candidates, p.Data.SearchMapPins.BoundingBox)
	}

	for _, raw := range candidates {
		formatted, ok, err := FormatCoordinates(raw)
		if err != nil {
			return "", err
		}
		if ok {
			return formatted, nil
		}
	}
	return "", nil
}

type queryParams struct {
	DistanceRadius number            `json:"distanceRadius"`
	PriceMin       number            `json:"priceMin"`
	PriceMax       number            `json:"priceMax"`
	AreaMin        number            `json:"areaMin"`
	AreaMax        number            `json:"areaMax"`
	Locations      []json.RawMessage `json:"locations"`
}

// location reads the first location entry, either a plain string or an
// object carrying fullName or name.
func (q queryParams) location() string {
	if len(q.Locations) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(q.Locations[0], &plain); err == nil {
		return plain
	}

	var named struct {
		FullName string `json:"fullName"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(q.Locations[0], &named); err != nil {
		return ""
	}
	if named.FullName != "" {
		return named.FullName
	}
	return named.Name
}

type namedValue struct {
	Name *string `json:"name"`
}

type item struct {
	ID       number `json:"id"`
	Title    string `json:"title"`
	Location *struct {
		Address *struct {
			Street   *namedValue `json:"street"`
			City     *namedValue `json:"city"`
			Province *namedValue `json:"province"`
		} `json:"address"`
	} `json:"location"`
	LocationLabel *struct {
		Value *string `json:"value"`
	} `json:"locationLabel"`
	DateCreatedFirst string `json:"dateCreatedFirst"`
	DateCreated      string `json:"dateCreated"`
	Slug             string `json:"slug"`
	TotalPrice       *struct {
		Value number `json:"value"`
	} `json:"totalPrice"`
	PricePerSquareMeter *struct {
		Value number `json:"value"`
	} `json:"pricePerSquareMeter"`
	AreaInSquareMeters        number `json:"areaInSquareMeters"`
	TerrainAreaInSquareMeters number `json:"terrainAreaInSquareMeters"`
}

func (it item) toListing() (Listing, bool) {
	id, ok := it.ID.Int64()
	if !ok {
		return Listing{}, false
	}

	created := it.DateCreatedFirst
	if created == "" {
		created = it.DateCreated
	}

	estate := &database.Estate{
		ID:          id,
		Title:       it.Title,
		DateCreated: utils.ParseListingTime(created),
		URL:         it.Slug,
	}
	if it.Location != nil && it.Location.Address != nil {
		estate.Street = it.Location.Address.Street.value()
		estate.City = it.Location.Address.City.value()
		estate.Province = it.Location.Address.Province.value()
	}
	if it.LocationLabel != nil {
		estate.Location = it.LocationLabel.Value
	}

	listing := Listing{Estate: estate}
	if it.TotalPrice != nil {
		if total := it.TotalPrice.Value.Int(); total != nil {
			listing.Price = &database.Price{
				Price:                     *total,
				AreaInSquareMeters:        it.AreaInSquareMeters.Int(),
				TerrainAreaInSquareMeters: it.TerrainAreaInSquareMeters.Int(),
				EstateID:                  id,
			}
			if it.PricePerSquareMeter != nil {
				listing.Price.PricePerSquareMeter = it.PricePerSquareMeter.Value.Int()
			}
		}
	}
	return listing, true
}

func (n *namedValue) value() *string {
	if n == nil {
		return nil
	}
	return n.Name
}

// number accepts JSON numbers, numeric strings and null. Fractions are
// truncated when read as integers.
type number struct {
	set   bool
	raw   string
	value float64
}

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	n.set = true
	n.raw = s
	n.value = v
	return nil
}

func (n number) Int() *int {
	if !n.set {
		return nil
	}
	v := int(n.value)
	return &v
}

func (n number) Int64() (int64, bool) {
	if !n.set {
		return 0, false
	}
	if v, err := strconv.ParseInt(n.raw, 10, 64); err == nil {
		return v, true
	}
	return int64(n.value), true
}
