package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func buildEnqueueCmd() *cobra.Command {
	var addr string
	var jobType string
	var priority string
	var payloadFile string
	var timeoutMS int64
	var maxRetries int
	var memoryMB int64
	var cpuSlots int64
	var diskMB int64
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a job to a running modconvertd instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if payloadFile != "" {
				b, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload file: %w", err)
				}
				payload = b
			}

			body, err := json.Marshal(map[string]any{
				"type":            jobType,
				"priority":        priority,
				"payload":         payload,
				"idempotency_key": idempotencyKey,
				"options": map[string]any{
					"timeout_ms":  timeoutMS,
					"max_retries": maxRetries,
					"resource_requirements": map[string]any{
						"memory_mb": memoryMB,
						"cpu_slots": cpuSlots,
						"disk_mb":   diskMB,
					},
				},
			})
			if err != nil {
				return err
			}

			resp, err := http.Post(addr+"/api/jobs", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("enqueue request: %w", err)
			}
			defer resp.Body.Close()

			var out bytes.Buffer
			if _, err := out.ReadFrom(resp.Body); err != nil {
				return err
			}
			fmt.Println(out.String())
			if resp.StatusCode >= 300 {
				return fmt.Errorf("enqueue failed: %s", resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "modconvertd base URL")
	cmd.Flags().StringVar(&jobType, "type", "conversion", "job type: conversion, validation, analysis, packaging")
	cmd.Flags().StringVar(&priority, "priority", "normal", "priority: low, normal, high, urgent")
	cmd.Flags().StringVar(&payloadFile, "payload", "", "path to a file whose bytes become the job payload")
	cmd.Flags().Int64Var(&timeoutMS, "timeout-ms", 0, "per-job timeout override, 0 uses the server default")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "per-job retry override, 0 uses the server default")
	cmd.Flags().Int64Var(&memoryMB, "memory-mb", 0, "required memory in MB")
	cmd.Flags().Int64Var(&cpuSlots, "cpu-slots", 0, "required CPU slots")
	cmd.Flags().Int64Var(&diskMB, "disk-mb", 0, "required disk in MB")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "dedupe key; a repeat enqueue with the same key returns the existing job id")
	return cmd
}
