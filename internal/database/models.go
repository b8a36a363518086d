package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ScheduleSpec is a weekly trigger time. DayOfWeek follows cron: 0 is Sunday.
type ScheduleSpec struct {
	DayOfWeek int `json:"day_of_week"`
	Hour      int `json:"hour"`
	Minute    int `json:"minute"`
}

// CronExpr maps the schedule to a standard five-field cron expression.
func (s ScheduleSpec) CronExpr() string {
	return fmt.Sprintf("%d %d * * %d", s.Minute, s.Hour, s.DayOfWeek)
}

func (s ScheduleSpec) Validate() error {
	if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
		return fmt.Errorf("day of week %d out of range 0-6", s.DayOfWeek)
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("hour %d out of range 0-23", s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("minute %d out of range 0-59", s.Minute)
	}
	return nil
}

func SameSchedule(a, b *ScheduleSpec) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

type Category struct {
	ID   uint   `json:"id" gorm:"primaryKey"`
	Name string `json:"name" gorm:"size:50;uniqueIndex;not null"`
}

type Search struct {
	ID             uint          `json:"id" gorm:"primaryKey"`
	URL            string        `json:"url" gorm:"uniqueIndex;not null"`
	CategoryID     *uint         `json:"category_id" gorm:"index"`
	Category       *Category     `json:"category,omitempty"`
	Location       string        `json:"location" gorm:"index"`
	DistanceRadius int           `json:"distance_radius" gorm:"default:0"`
	Coordinates    *string       `json:"coordinates"`
	FromPrice      *int          `json:"from_price"`
	ToPrice        *int          `json:"to_price"`
	FromSurface    *int          `json:"from_surface"`
	ToSurface      *int          `json:"to_surface"`
	Schedule       *ScheduleSpec `json:"schedule" gorm:"serializer:json;type:text"`
	CreatedAt      time.Time     `json:"created_at"`
}

type SearchEvent struct {
	ID       uint      `json:"id" gorm:"primaryKey"`
	Date     time.Time `json:"date" gorm:"not null;index"`
	SearchID uint      `json:"search_id" gorm:"not null;index"`
}

type Estate struct {
	ID          int64      `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Title       string     `json:"title" gorm:"not null"`
	Street      *string    `json:"street"`
	City        *string    `json:"city" gorm:"index"`
	Province    *string    `json:"province"`
	Location    *string    `json:"location"`
	DateCreated *time.Time `json:"date_created"`
	URL         string     `json:"url"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Price struct {
	ID                        uint  `json:"id" gorm:"primaryKey"`
	Price                     int   `json:"price" gorm:"not null"`
	PricePerSquareMeter       *int  `json:"price_per_square_meter"`
	AreaInSquareMeters        *int  `json:"area_in_square_meters"`
	TerrainAreaInSquareMeters *int  `json:"terrain_area_in_square_meters"`
	EstateID                  int64 `json:"estate_id" gorm:"not null;index"`
	SearchEventID             uint  `json:"search_event_id" gorm:"not null;index"`
}

type ScanFailure struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Date       time.Time `json:"date" gorm:"not null;index"`
	SearchID   *uint     `json:"search_id" gorm:"index"`
	StatusCode int       `json:"status_code" gorm:"index"`
}

type DB struct {
	*gorm.DB
}

func Connect(dsn string) (*DB, error) {
	return Open(postgres.Open(dsn))
}

// Open connects through any gorm dialector and migrates the schema.
func Open(dialector gorm.Dialector) (*DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Category{}, &Search{}, &SearchEvent{}, &Estate{}, &Price{}, &ScanFailure{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{db}, nil
}
