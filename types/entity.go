package types

import "time"

// Entity 是知识图谱中的命名记录，携带仅追加的观察列表。
// Name 在同一 EntityType 命名空间内唯一。
type Entity struct {
	Name         string    `json:"name"`
	EntityType   string    `json:"entity_type"`
	Observations []string  `json:"observations"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Key 返回实体在存储中的唯一键（类型命名空间 + 名称）。
func (e *Entity) Key() string {
	return e.EntityType + "/" + e.Name
}

// HasObservation 判断实体是否已包含指定观察。
func (e *Entity) HasObservation(obs string) bool {
	for _, o := range e.Observations {
		if o == obs {
			return true
		}
	}
	return false
}

// Relation 是两个实体之间的有向带类型边。
// (From, To, RelationType) 三元组唯一；端点以实体名弱引用，
// 创建时端点必须已存在，不会自动创建。
type Relation struct {
	From         string    `json:"from"`
	To           string    `json:"to"`
	RelationType string    `json:"relation_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// Key 返回关系三元组的唯一键。
func (r *Relation) Key() string {
	return r.From + "|" + r.RelationType + "|" + r.To
}
