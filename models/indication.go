package models

// Indication repräsentiert einen Suchbegriff (Krankheitsbild), der regelmäßig
// gegen die Registry synchronisiert wird.
type Indication struct {
	ID   uint   `json:"id" gorm:"primaryKey"`
	Name string `json:"name" gorm:"uniqueIndex;not null"` // z.B. "lung cancer"
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (Indication) TableName() string {
	return "indications"
}
