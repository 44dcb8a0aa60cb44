package syncserver

// ClientRecord is the server-side cursor of the last mutation applied for a
// client.
type ClientRecord struct {
	ID               string `gorm:"column:id;primaryKey;size:128"`
	UserID           string `gorm:"column:user_id;size:190;not null;index"`
	MutationID       int64  `gorm:"column:mutation_id;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (ClientRecord) TableName() string {
	return "sync_clients"
}
