package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"formulai/engine/internal/appdirs"
	"formulai/engine/internal/engine"
	"formulai/engine/internal/envfile"
	"formulai/engine/internal/envutil"
	"formulai/engine/internal/errinfo"
	"formulai/engine/internal/logging"
	"formulai/engine/internal/rpc"
)

func main() {
	envResult := envfile.Load()
	debug := envutil.Bool("FORMULAI_DEBUG")
	dataDir, err := appdirs.DataDir()
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}
	logSetup, logErr := logging.NewFileLogger(dataDir, debug)
	logger := logSetup.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("component", "engine")
	if logSetup.Enabled {
		logger.Info("engine.logging_enabled", "path", logSetup.Path)
	}
	if envResult.Loaded {
		logger.Debug("engine.env_loaded", "path", envResult.Path, "keys", envResult.Keys)
	}
	if envResult.Err != nil {
		logger.Warn("engine.env_load_failed", "path", envResult.Path, "error", envResult.Err.Error())
	}
	if logErr != nil {
		logger.Warn("engine.log_setup_failed", "error", logErr.Error())
	}
	if logSetup.Close != nil {
		defer logSetup.Close()
	}

	eng, err := engine.New(engine.WithLogger(logger))
	if err != nil {
		logger.Error("engine.init_failed", "error", err.Error())
		log.Fatalf("engine init failed: %v", err)
	}
	server := rpc.NewServer(engine.APIVersion, os.Stdin, os.Stdout, logger)

	register := func(method string, fn func(context.Context, json.RawMessage) (any, *errinfo.ErrorInfo)) {
		server.Register(method, func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
			result, errInfo := fn(ctx, params)
			if errInfo != nil {
				msg := errInfo.ErrorCode
				if errInfo.Detail != "" {
					msg = errInfo.Detail
				}
				return nil, &rpc.Error{Message: msg, Data: errInfo}
			}
			return result, nil
		})
	}

	register("EngineGetInfo", eng.EngineGetInfo)
	register("ProvidersGetStatus", eng.ProvidersGetStatus)
	register("ProvidersSetApiKey", eng.ProvidersSetApiKey)
	register("ProvidersClearApiKey", eng.ProvidersClearApiKey)
	register("ProvidersValidate", eng.ProvidersValidate)

	register("AuthStart", eng.AuthStart)
	register("AuthComplete", eng.AuthComplete)
	register("AuthStatus", eng.AuthStatus)
	register("AuthDisconnect", eng.AuthDisconnect)

	register("SheetsGetData", eng.SheetsGetData)
	register("SheetsListSheets", eng.SheetsListSheets)
	register("SpreadsheetAnalyze", eng.SpreadsheetAnalyze)
	register("SpreadsheetApply", eng.SpreadsheetApply)
	register("SpreadsheetUndo", eng.SpreadsheetUndo)
	register("HistoryList", eng.HistoryList)
	register("ForecastColumn", eng.ForecastColumn)
	register("ExplainFormula", eng.ExplainFormula)

	register("WorkbookDescribe", eng.WorkbookDescribe)
	register("WorkbookApply", eng.WorkbookApply)
	register("WorkbookUndo", eng.WorkbookUndo)

	logger.Info("engine.started", "engine_version", engine.EngineVersion, "api_version", engine.APIVersion)
	if err := server.Serve(context.Background()); err != nil {
		logger.Error("engine.serve_failed", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("engine.stopped")
}
