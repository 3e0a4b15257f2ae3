package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/surajsub/etl-run-portal/auth"
	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
)

// SeedFile describes users and workflows to create on an empty portal.
type SeedFile struct {
	Users []struct {
		Email    string      `yaml:"email"`
		Password string      `yaml:"password"`
		Role     models.Role `yaml:"role"`
	} `yaml:"users"`
	Workflows []struct {
		Name        string           `yaml:"name"`
		Owner       string           `yaml:"owner"`
		DagStatus   models.DagStatus `yaml:"dag_status"`
		Steps       []string         `yaml:"steps"`
		Parameters  map[string]any   `yaml:"parameters"`
		Destination map[string]any   `yaml:"destination"`
		Grants      []struct {
			Email string                 `yaml:"email"`
			Level models.PermissionLevel `yaml:"level"`
		} `yaml:"grants"`
	} `yaml:"workflows"`
}

func NewSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load users, workflows and grants from a YAML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("file")
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			var f SeedFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("parse seed file: %w", err)
			}

			e, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if err := db.Migrate(cmd.Context(), e.gdb, e.cfg.DB); err != nil {
				return err
			}
			return Seed(cmd.Context(), e.store, &f, 0, e.log)
		},
	}
	cmd.Flags().StringP("file", "f", "seed.yaml", "seed file")
	return cmd
}

// Seed creates what f describes. Users that already exist are reused, so
// running it twice only adds new entries.
func Seed(ctx context.Context, store *db.Store, f *SeedFile, cost int, log *zap.Logger) error {
	users := make(map[string]*db.User)
	for _, su := range f.Users {
		if u, err := store.GetUserByEmail(ctx, su.Email); err == nil {
			users[su.Email] = u
			continue
		} else if !errors.Is(err, db.ErrNotFound) {
			return err
		}
		hash, err := auth.HashPassword(su.Password, cost)
		if err != nil {
			return err
		}
		u := &db.User{Email: su.Email, PasswordHash: hash, Role: su.Role}
		if u.Role == "" {
			u.Role = models.RoleUser
		}
		if err := store.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", su.Email, err)
		}
		users[su.Email] = u
		log.Info("user created", zap.String("email", u.Email), zap.String("role", string(u.Role)))
	}

	lookup := func(email string) (*db.User, error) {
		if u, ok := users[email]; ok {
			return u, nil
		}
		u, err := store.GetUserByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("seed: user %s: %w", email, err)
		}
		users[email] = u
		return u, nil
	}

	for _, sw := range f.Workflows {
		owner, err := lookup(sw.Owner)
		if err != nil {
			return err
		}
		params, err := jsonColumn(sw.Parameters)
		if err != nil {
			return err
		}
		dest, err := jsonColumn(sw.Destination)
		if err != nil {
			return err
		}
		wf := &db.Workflow{
			Name:        sw.Name,
			OwnerID:     owner.ID,
			DagStatus:   sw.DagStatus,
			Steps:       sw.Steps,
			Parameters:  params,
			Destination: dest,
		}
		if err := store.CreateWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("seed workflow %s: %w", sw.Name, err)
		}
		for _, g := range sw.Grants {
			u, err := lookup(g.Email)
			if err != nil {
				return err
			}
			if !g.Level.Grantable() {
				return fmt.Errorf("seed workflow %s: invalid level %q", sw.Name, g.Level)
			}
			if err := store.UpsertPermission(ctx, &db.WorkflowPermission{WorkflowID: wf.ID, UserID: u.ID, PermissionLevel: g.Level}); err != nil {
				return err
			}
		}
		log.Info("workflow created", zap.Uint("workflow_id", wf.ID), zap.String("name", wf.Name), zap.Int("grants", len(sw.Grants)))
	}
	return nil
}

func jsonColumn(v map[string]any) (datatypes.JSON, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
