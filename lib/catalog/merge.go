// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// A FetchFunc retrieves one region's slice of an instance table.
type FetchFunc func(ctx context.Context, region string) ([]InstanceRow, error)

// MergeRegions builds an aggregate instance table by fetching every
// region concurrently. A failure in one region does not abort the
// others: failed regions are logged, reported in the returned error
// slice, and skipped. The aggregate is sorted deterministically by
// (InstanceType, Region, AvailabilityZone) regardless of fetch
// completion order.
func MergeRegions(ctx context.Context, logger logrus.FieldLogger, regions []string, fetch FetchFunc) ([]InstanceRow, []error) {
	var (
		mtx    sync.Mutex
		wg     sync.WaitGroup
		rows   []InstanceRow
		failed []error
	)
	for _, region := range regions {
		region := region
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := fetch(ctx, region)
			mtx.Lock()
			defer mtx.Unlock()
			if err != nil {
				logger.WithField("Region", region).WithError(err).Warn("skipping region in catalog merge")
				failed = append(failed, fmt.Errorf("region %s: %w", region, err))
				return
			}
			rows = append(rows, got...)
		}()
	}
	wg.Wait()
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].InstanceType != rows[j].InstanceType {
			return rows[i].InstanceType < rows[j].InstanceType
		}
		if rows[i].Region != rows[j].Region {
			return rows[i].Region < rows[j].Region
		}
		return rows[i].AvailabilityZone < rows[j].AvailabilityZone
	})
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].Error() < failed[j].Error()
	})
	return rows, failed
}

// NewHTTPFetcher returns a FetchFunc that downloads
// <baseURL>/<region>.csv with automatic retries and parses it as an
// instance table.
func NewHTTPFetcher(baseURL string) FetchFunc {
	client := retryablehttp.NewClient()
	client.Logger = nil
	return func(ctx context.Context, region string) ([]InstanceRow, error) {
		req, err := retryablehttp.NewRequestWithContext(ctx, "GET", baseURL+"/"+region+".csv", nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != 200 {
			return nil, fmt.Errorf("unexpected response status %q", resp.Status)
		}
		return ParseInstanceTable(resp.Body)
	}
}
