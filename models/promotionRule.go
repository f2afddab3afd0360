package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

const (
	RuleOpAnd      = "and"
	RuleOpOr       = "or"
	RuleOpNot      = "not"
	RuleOpEq       = "eq"
	RuleOpNeq      = "neq"
	RuleOpGt       = "gt"
	RuleOpGte      = "gte"
	RuleOpLt       = "lt"
	RuleOpLte      = "lte"
	RuleOpIn       = "in"
	RuleOpContains = "contains"
	RuleOpExists   = "exists"
	RuleOpIsNull   = "is_null"
)

// RuleNode is one node of a promotion rule tree. Combinators use Children,
// comparisons use Field (dot path into the raw payload) and Value.
type RuleNode struct {
	Op       string     `json:"op" validate:"required"`
	Field    string     `json:"field,omitempty"`
	Value    any        `json:"value,omitempty"`
	Children []RuleNode `json:"children,omitempty" validate:"dive"`
}

// PromotionRule is the quality gate of a source. No row means promote everything.
type PromotionRule struct {
	ID        uint           `gorm:"primary_key" json:"id"`
	TenantId  string         `gorm:"size:64;not null;index" json:"tenant_id"`
	SourceId  uint           `gorm:"not null;uniqueIndex" json:"source_id"`
	IsActive  bool           `gorm:"not null;default:true" json:"is_active"`
	Rule      datatypes.JSON `gorm:"type:json;not null" json:"rule"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *PromotionRule) Tree() (*RuleNode, error) {
	if p == nil || len(p.Rule) == 0 || string(p.Rule) == "null" {
		return nil, nil
	}
	var node RuleNode
	if err := json.Unmarshal(p.Rule, &node); err != nil {
		return nil, err
	}
	return &node, nil
}
