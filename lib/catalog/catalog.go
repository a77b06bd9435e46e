// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package catalog reads the static per-provider instance and image
// tables and answers the lookups behind resource resolution: which
// instance types carry a given accelerator, what they cost, and which
// regions/zones stock them.
package catalog

import (
	"bytes"
	"embed"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"git.strato.dev/strato.git/lib/cloud"
	"git.strato.dev/strato.git/sdk/go/strato"
)

//go:embed data
var dataFS embed.FS

// An InstanceRow is one line of the instance table: an instance type
// offering scoped to (region, zone), with on-demand and spot prices.
type InstanceRow struct {
	InstanceType     string
	AcceleratorName  string
	AcceleratorCount int
	VCPUs            float64
	MemoryGiB        float64
	Price            float64
	SpotPrice        float64
	Region           string
	AvailabilityZone string
}

// An ImageRow is one line of the image table: a catalog tag resolved
// to a provider image ID for one region.
type ImageRow struct {
	Tag          string
	Region       string
	OS           string
	OSVersion    string
	ImageID      string
	CreationDate string
}

// A Catalog holds one provider's tables, with indexes built once at
// load time. Catalogs are immutable after Load and safe for
// concurrent use.
type Catalog struct {
	provider string
	rows     []InstanceRow
	images   []ImageRow

	byType  map[string][]InstanceRow
	byAccel map[string][]InstanceRow
	byTag   map[string]map[string]string // tag -> region -> image ID
}

// ForProvider loads the embedded tables for the named provider.
func ForProvider(name string) (*Catalog, error) {
	instances, err := dataFS.ReadFile("data/" + name + "/instances.csv")
	if err != nil {
		return nil, fmt.Errorf("no embedded instance table for provider %q: %s", name, err)
	}
	images, err := dataFS.ReadFile("data/" + name + "/images.csv")
	if err != nil {
		return nil, fmt.Errorf("no embedded image table for provider %q: %s", name, err)
	}
	return Load(name, bytes.NewReader(instances), bytes.NewReader(images))
}

// Load builds a Catalog from instance and image tables in CSV form.
func Load(provider string, instances, images io.Reader) (*Catalog, error) {
	rows, err := ParseInstanceTable(instances)
	if err != nil {
		return nil, err
	}
	imgs, err := ParseImageTable(images)
	if err != nil {
		return nil, err
	}
	return New(provider, rows, imgs), nil
}

// New builds a Catalog from already-parsed rows. Row order is
// preserved in all order-sensitive lookups.
func New(provider string, rows []InstanceRow, images []ImageRow) *Catalog {
	cat := &Catalog{
		provider: provider,
		rows:     rows,
		images:   images,
		byType:   map[string][]InstanceRow{},
		byAccel:  map[string][]InstanceRow{},
		byTag:    map[string]map[string]string{},
	}
	for _, row := range rows {
		cat.byType[row.InstanceType] = append(cat.byType[row.InstanceType], row)
		if row.AcceleratorName != "" {
			cat.byAccel[row.AcceleratorName] = append(cat.byAccel[row.AcceleratorName], row)
		}
	}
	for _, img := range images {
		regions := cat.byTag[img.Tag]
		if regions == nil {
			regions = map[string]string{}
			cat.byTag[img.Tag] = regions
		}
		regions[img.Region] = img.ImageID
	}
	return cat
}

// Provider returns the provider identifier the catalog was loaded
// for.
func (cat *Catalog) Provider() string {
	return cat.provider
}

// InstanceTypeExists reports whether the instance table has any row
// for the named type.
func (cat *Catalog) InstanceTypeExists(instanceType string) bool {
	return len(cat.byType[instanceType]) > 0
}

// HourlyCost returns the cheapest offering of the instance type
// across all regions, using the spot price when useSpot is set. Rows
// without a spot price do not count as spot offerings.
func (cat *Catalog) HourlyCost(instanceType string, useSpot bool) (float64, error) {
	best := 0.0
	found := false
	for _, row := range cat.byType[instanceType] {
		price := row.Price
		if useSpot {
			price = row.SpotPrice
			if price <= 0 {
				continue
			}
		}
		if !found || price < best {
			best = price
			found = true
		}
	}
	if !found {
		return 0, strato.ResourceUnavailableError{Message: fmt.Sprintf("instance type %q not found in %s catalog", instanceType, cat.provider)}
	}
	return best, nil
}

// Specs returns the vCPU/memory/accelerator columns for the instance
// type.
func (cat *Catalog) Specs(instanceType string) (strato.InstanceType, error) {
	rows := cat.byType[instanceType]
	if len(rows) == 0 {
		return strato.InstanceType{}, strato.ResourceUnavailableError{Message: fmt.Sprintf("instance type %q not found in %s catalog", instanceType, cat.provider)}
	}
	row := rows[0]
	return strato.InstanceType{
		Name:             row.InstanceType,
		VCPUs:            row.VCPUs,
		MemoryGiB:        row.MemoryGiB,
		AcceleratorName:  row.AcceleratorName,
		AcceleratorCount: row.AcceleratorCount,
		Price:            row.Price,
		SpotPrice:        row.SpotPrice,
	}, nil
}

// Accelerators returns the accelerator name and count encoded by the
// instance type, if any.
func (cat *Catalog) Accelerators(instanceType string) (name string, count int, ok bool) {
	rows := cat.byType[instanceType]
	if len(rows) == 0 || rows[0].AcceleratorName == "" {
		return "", 0, false
	}
	return rows[0].AcceleratorName, rows[0].AcceleratorCount, true
}

// RegionZones returns the regions (with their zones) that stock the
// instance type, preserving catalog row order. With useSpot set, only
// offerings with a spot price count.
func (cat *Catalog) RegionZones(instanceType string, useSpot bool) []cloud.Region {
	var regions []cloud.Region
	index := map[string]int{}
	seenZone := map[string]bool{}
	for _, row := range cat.byType[instanceType] {
		if useSpot && row.SpotPrice <= 0 {
			continue
		}
		i, ok := index[row.Region]
		if !ok {
			i = len(regions)
			index[row.Region] = i
			regions = append(regions, cloud.Region{Name: row.Region})
		}
		if row.AvailabilityZone != "" && !seenZone[row.Region+"/"+row.AvailabilityZone] {
			seenZone[row.Region+"/"+row.AvailabilityZone] = true
			regions[i].Zones = append(regions[i].Zones, cloud.Zone{Name: row.AvailabilityZone})
		}
	}
	return regions
}

// ImageIDFromTag resolves a catalog image tag for one region. The
// second return value is false when the catalog has no entry for that
// (tag, region).
func (cat *Catalog) ImageIDFromTag(tag, region string) (string, bool) {
	id, ok := cat.byTag[tag][region]
	return id, ok
}

// InstanceTypesForAccelerator returns the instance types carrying
// exactly count accelerators of the named kind, cheapest first. When
// nothing matches exactly, it returns no types and a fuzzy list of
// near-miss (accelerator, count) offerings ordered by increasing
// distance from the requested count, ties broken by the smaller
// count.
func (cat *Catalog) InstanceTypesForAccelerator(name string, count int) ([]string, []strato.AcceleratorSuggestion) {
	var types []string
	price := map[string]float64{}
	for _, row := range cat.byAccel[name] {
		if row.AcceleratorCount != count {
			continue
		}
		if _, seen := price[row.InstanceType]; !seen {
			types = append(types, row.InstanceType)
			price[row.InstanceType] = row.Price
		} else if row.Price < price[row.InstanceType] {
			price[row.InstanceType] = row.Price
		}
	}
	if len(types) > 0 {
		sort.SliceStable(types, func(i, j int) bool {
			return price[types[i]] < price[types[j]]
		})
		return types, nil
	}

	seen := map[int]bool{}
	var fuzzy []strato.AcceleratorSuggestion
	for _, row := range cat.byAccel[name] {
		if seen[row.AcceleratorCount] {
			continue
		}
		seen[row.AcceleratorCount] = true
		fuzzy = append(fuzzy, strato.AcceleratorSuggestion{Name: name, Count: row.AcceleratorCount})
	}
	dist := func(c int) int {
		if c > count {
			return c - count
		}
		return count - c
	}
	sort.SliceStable(fuzzy, func(i, j int) bool {
		di, dj := dist(fuzzy[i].Count), dist(fuzzy[j].Count)
		if di != dj {
			return di < dj
		}
		return fuzzy[i].Count < fuzzy[j].Count
	})
	return nil, fuzzy
}

// ParseInstanceTable reads an instance table in the fixed-column CSV
// form: InstanceType, AcceleratorName, AcceleratorCount, vCPUs,
// MemoryGiB, Price, SpotPrice, Region, AvailabilityZone.
func ParseInstanceTable(r io.Reader) ([]InstanceRow, error) {
	records, err := readTable(r, []string{"InstanceType", "AcceleratorName", "AcceleratorCount", "vCPUs", "MemoryGiB", "Price", "SpotPrice", "Region", "AvailabilityZone"})
	if err != nil {
		return nil, err
	}
	rows := make([]InstanceRow, 0, len(records))
	for lineno, rec := range records {
		row := InstanceRow{
			InstanceType:     rec[0],
			AcceleratorName:  rec[1],
			Region:           rec[7],
			AvailabilityZone: rec[8],
		}
		for _, field := range []struct {
			dst *float64
			src string
		}{
			{&row.VCPUs, rec[3]},
			{&row.MemoryGiB, rec[4]},
			{&row.Price, rec[5]},
		} {
			*field.dst, err = strconv.ParseFloat(field.src, 64)
			if err != nil {
				return nil, fmt.Errorf("instance table line %d: %s", lineno+2, err)
			}
		}
		if rec[2] != "" {
			row.AcceleratorCount, err = strconv.Atoi(rec[2])
			if err != nil {
				return nil, fmt.Errorf("instance table line %d: %s", lineno+2, err)
			}
		}
		if rec[6] != "" {
			row.SpotPrice, err = strconv.ParseFloat(rec[6], 64)
			if err != nil {
				return nil, fmt.Errorf("instance table line %d: %s", lineno+2, err)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ParseImageTable reads an image table in the fixed-column CSV form:
// Tag, Region, OS, OSVersion, ImageId, CreationDate.
func ParseImageTable(r io.Reader) ([]ImageRow, error) {
	records, err := readTable(r, []string{"Tag", "Region", "OS", "OSVersion", "ImageId", "CreationDate"})
	if err != nil {
		return nil, err
	}
	rows := make([]ImageRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, ImageRow{
			Tag:          rec[0],
			Region:       rec[1],
			OS:           rec[2],
			OSVersion:    rec[3],
			ImageID:      rec[4],
			CreationDate: rec[5],
		})
	}
	return rows, nil
}

func readTable(r io.Reader, header []string) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(header)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("table has no header row")
	}
	for i, col := range records[0] {
		if col != header[i] {
			return nil, fmt.Errorf("table header column %d is %q, expected %q", i+1, col, header[i])
		}
	}
	return records[1:], nil
}
