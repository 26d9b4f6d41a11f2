package model

import "go.mongodb.org/mongo-driver/bson/primitive"

type (
	// User is a registered display name. The name is the identity; it is
	// set once at registration and never mutated.
	User struct {
		ID           primitive.ObjectID `json:"-" bson:"_id,omitempty"`
		Name         string             `json:"username" bson:"name"`
		RegisteredAt int64              `json:"registered_at,omitempty" bson:"registered_at,omitempty"`
	}
)
