package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/palaver-im/palaver/internal/bookmarks"
	"github.com/palaver-im/palaver/internal/config"
	"github.com/palaver-im/palaver/internal/hooks"
	"github.com/palaver-im/palaver/internal/logging"
	"github.com/palaver-im/palaver/internal/muc"
	"github.com/palaver-im/palaver/internal/storage/sqlite"
	"github.com/palaver-im/palaver/internal/xmpp"
	"github.com/palaver-im/palaver/internal/xmpp/disco"
	"github.com/palaver-im/palaver/pkg/plugin"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	accounts, err := config.LoadAccounts()
	if err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}
	if len(accounts.Accounts) == 0 {
		fmt.Fprintln(os.Stderr, "No accounts configured")
		os.Exit(1)
	}
	account := accounts.Accounts[0]

	paths, err := config.GetPaths()
	if err != nil {
		log.Fatalf("Failed to resolve data paths: %v", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create data directories: %v", err)
	}
	dataDir := cfg.General.DataDir
	if dataDir == "" {
		dataDir = paths.DataDir
	}

	db, err := sqlite.New(dataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if cfg.Storage.VacuumOnStartup {
		if err := db.Vacuum(); err != nil {
			logger.Warn("startup vacuum failed: %v", err)
		}
	}

	client, err := xmpp.NewClient(xmpp.ClientConfig{
		JID:            account.JID,
		Password:       account.Password,
		Server:         account.Server,
		Port:           account.Port,
		Resource:       account.Resource,
		RequestTimeout: time.Duration(cfg.MUC.RequestTimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	hookReg := hooks.NewRegistry()
	host := plugin.NewHost(cfg.Plugins.PluginDir, hookReg, logger)
	if err := host.LoadAll(); err != nil {
		logger.Warn("plugin loading failed: %v", err)
	}
	defer host.UnloadAll()

	discoCache := disco.NewCache(client)

	var store muc.Store
	if cfg.Storage.SaveSessions {
		store = db
	}
	rooms := muc.NewRegistry(muc.Options{
		Transport: client,
		Disco:     discoCache,
		Store:     store,
		Hooks:     hookReg,
		Log:       logger,
		Config:    cfg.MUC,
	})

	var marks *bookmarks.Store
	if cfg.Storage.SaveBookmarks {
		marks = bookmarks.NewStore(bookmarks.Options{
			Transport: client,
			Rooms:     rooms,
			Cache:     db,
			Log:       logger,
		})
		defer marks.Close()
	}

	client.SetConnectHandler(func() {
		logger.Info("connected as %s", client.JID())
		rooms.HandleReconnect()
		if marks != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := marks.Load(ctx); err != nil {
					logger.Warn("bookmark synchronization failed: %v", err)
				}
			}()
		}
	})
	client.SetDisconnectHandler(func(err error) {
		if err != nil {
			logger.Warn("disconnected: %v", err)
		}
		rooms.HandleDisconnect()
	})

	if cfg.General.AutoConnect {
		if err := client.Connect(); err != nil {
			log.Fatalf("Failed to connect: %v", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	rooms.FlushOnLogout()
	if err := client.Disconnect(); err != nil {
		logger.Warn("disconnect failed: %v", err)
	}
}
