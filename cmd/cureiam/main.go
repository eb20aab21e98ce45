// CureIAM audits GCP IAM recommendations on a daily schedule, scores them
// and optionally applies the safe ones.
package main

func main() {
	Execute()
}
