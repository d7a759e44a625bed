package room

import (
	"sort"
)

const CollectionRooms = "rooms"

// Role 群内角色
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

// level 用于“管理员只能管普通成员”这类比较
func (r Role) level() int {
	switch r {
	case RoleOwner:
		return 2
	case RoleAdmin:
		return 1
	default:
		return 0
	}
}

// Room 带版本号的成员快照；每次变更 Version+1，客户端据此做乐观合并
type Room struct {
	ID           string          `bson:"_id" json:"id"`
	Name         string          `bson:"name" json:"name"`
	ThumbnailURL string          `bson:"thumbnail_url,omitempty" json:"thumbnailUrl,omitempty"`
	Members      []string        `bson:"members" json:"members"`
	Roles        map[string]Role `bson:"roles" json:"roles"`
	Version      int64           `bson:"version" json:"version"`
	CreatedBy    string          `bson:"created_by" json:"createdBy"`
	CreatedAt    int64           `bson:"created_at" json:"createdAt"`
	UpdatedAt    int64           `bson:"updated_at" json:"updatedAt"`
	Deleted      bool            `bson:"deleted" json:"deleted,omitempty"`
}

func (r *Room) IsMember(userID string) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

func (r *Room) RoleOf(userID string) Role {
	if !r.IsMember(userID) {
		return ""
	}
	if role, ok := r.Roles[userID]; ok {
		return role
	}
	return RoleMember
}

// Others 除 userID 外的成员（群消息的接收方）
func (r *Room) Others(userID string) []string {
	out := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		if m != userID {
			out = append(out, m)
		}
	}
	return out
}

func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Members = append([]string(nil), r.Members...)
	c.Roles = make(map[string]Role, len(r.Roles))
	for k, v := range r.Roles {
		c.Roles[k] = v
	}
	return &c
}

// Patch 一次变更；nil/空字段表示不改
type Patch struct {
	Name          *string
	ThumbnailURL  *string
	AddMembers    []string
	RemoveMembers []string
	SetRoles      map[string]Role
	Delete        bool
}

// Apply 在副本上应用变更并推进版本
func (p Patch) Apply(r *Room, now int64) *Room {
	n := r.Clone()
	if p.Name != nil {
		n.Name = *p.Name
	}
	if p.ThumbnailURL != nil {
		n.ThumbnailURL = *p.ThumbnailURL
	}
	for _, u := range p.AddMembers {
		if !n.IsMember(u) {
			n.Members = append(n.Members, u)
			n.Roles[u] = RoleMember
		}
	}
	if len(p.RemoveMembers) > 0 {
		drop := make(map[string]struct{}, len(p.RemoveMembers))
		for _, u := range p.RemoveMembers {
			drop[u] = struct{}{}
			delete(n.Roles, u)
		}
		kept := n.Members[:0]
		for _, m := range n.Members {
			if _, ok := drop[m]; !ok {
				kept = append(kept, m)
			}
		}
		n.Members = kept
	}
	for u, role := range p.SetRoles {
		if n.IsMember(u) {
			n.Roles[u] = role
		}
	}
	if p.Delete {
		n.Deleted = true
	}
	n.Version = r.Version + 1
	n.UpdatedAt = now
	return n
}

// dedupe 去重并排序，保证成员列表稳定
func dedupe(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, u := range list {
		if _, ok := seen[u]; ok || u == "" {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
