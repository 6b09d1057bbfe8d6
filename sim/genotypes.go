package sim

import (
	"bufio"
	"os"
)

// Missing is the genotype code for an absent call.
const Missing int8 = -1

// Genotypes draws n x m minor-allele counts in {0,1,2} under Hardy-Weinberg
// with per-variant frequencies in [0.05, 0.5). Each call is Missing with
// probability missingRate.
func (p *PRG) Genotypes(n, m int, missingRate float64) [][]int8 {
	freq := make([]float64, m)
	for j := range freq {
		freq[j] = 0.05 + 0.45*p.Float64()
	}

	g := make([][]int8, n)
	for i := range g {
		g[i] = make([]int8, m)
		for j := range g[i] {
			if missingRate > 0 && p.Float64() < missingRate {
				g[i][j] = Missing
				continue
			}
			var c int8
			if p.Float64() < freq[j] {
				c++
			}
			if p.Float64() < freq[j] {
				c++
			}
			g[i][j] = c
		}
	}
	return g
}

// WriteGenotypeFile writes rows of int8 codes back to back, the layout read
// by gwas.GenoFileStream.
func WriteGenotypeFile(path string, g [][]int8) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, row := range g {
		for _, v := range row {
			if err := w.WriteByte(byte(v)); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
