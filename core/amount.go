package core

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Amount is a currency column. SQLite gives numeric columns REAL affinity, which
// rounds through float64, so amounts are stored as text there and as numeric(78,18)
// on Postgres. Ordering by amount happens in Go, never in SQL.
type Amount struct {
	decimal.Decimal
}

func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

func (Amount) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return amountColumnType(db)
}

// NullAmount is an Amount that may be unset.
type NullAmount struct {
	decimal.NullDecimal
}

func NewNullAmount(d decimal.Decimal) NullAmount {
	return NullAmount{NullDecimal: decimal.NewNullDecimal(d)}
}

func (NullAmount) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return amountColumnType(db)
}

func amountColumnType(db *gorm.DB) string {
	if db.Dialector.Name() == "postgres" {
		return "numeric(78,18)"
	}
	return "text"
}
