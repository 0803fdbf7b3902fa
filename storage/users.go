package storage

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"billing-pipeline/domain"
)

// All users share one partition; the directory is small and lookups stay
// within a single partition scan.
const usersPartition = "user"

type userEntity struct {
	aztables.Entity
	Username      string `json:"Username"`
	UsernameLower string `json:"UsernameLower"`
}

func (s *Storage) UserByID(ctx context.Context, id string) (domain.User, error) {
	resp, err := s.usersTable.GetEntity(ctx, usersPartition, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.User{}, &notFoundError{kind: "user", key: id}
		}
		return domain.User{}, err
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: ent.RowKey, Username: ent.Username}, nil
}

// UsersByUsernames resolves usernames case-insensitively. Names without a
// matching user are simply absent from the result.
func (s *Storage) UsersByUsernames(ctx context.Context, usernames []string) ([]domain.User, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	clauses := make([]string, 0, len(usernames))
	for _, name := range usernames {
		clauses = append(clauses, "UsernameLower eq '"+strings.ToLower(name)+"'")
	}
	filter := "PartitionKey eq '" + usersPartition + "' and (" + strings.Join(clauses, " or ") + ")"
	pager := s.usersTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	users := []domain.User{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent userEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			users = append(users, domain.User{ID: ent.RowKey, Username: ent.Username})
		}
	}
	return users, nil
}

// UpsertUser creates or replaces a directory entry.
func (s *Storage) UpsertUser(ctx context.Context, u domain.User) error {
	data, err := json.Marshal(userEntity{
		Entity: aztables.Entity{
			PartitionKey: usersPartition,
			RowKey:       u.ID,
		},
		Username:      u.Username,
		UsernameLower: strings.ToLower(u.Username),
	})
	if err != nil {
		return err
	}
	mode := aztables.UpdateModeReplace
	_, err = s.usersTable.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: mode})
	return err
}
